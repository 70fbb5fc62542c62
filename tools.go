//go:build tools
// +build tools

/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prevalence

import (
	_ "honnef.co/go/tools/cmd/staticcheck"
)

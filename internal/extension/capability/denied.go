// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package capability

import (
	"fmt"
	"strings"
)

// DeniedError reports permission tokens the host refused. During
// initialization it carries every declared token the policy would not
// cover, so an operator sees the full gap at once; at runtime it names
// the single token an extension attempted without a grant.
type DeniedError struct {
	Extension string
	Denied    []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("extension %s denied permission: %s",
		e.Extension, strings.Join(e.Denied, ", "))
}

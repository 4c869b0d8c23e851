// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate checks raw against the given JSON schema document, returning
// a descriptive error rather than panicking so callers (the broker and
// history daemons) can log and exit cleanly on a bad config file.
func Validate(schema string, raw json.RawMessage) error {
	sch, err := jsonschema.CompileString("config.schema.json", schema)
	if err != nil {
		return fmt.Errorf("config: invalid schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("config: invalid json: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

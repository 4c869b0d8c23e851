// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

// brokerSchema validates a broker config.json document.
const brokerSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"address": {"type": "string"},
		"port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"loglevel": {"type": "string", "enum": ["debug", "info", "warn", "err", "crit"]},
		"logdate": {"type": "boolean"},
		"gops": {"type": "boolean"},
		"ops-addr": {"type": "string"},
		"send-queue-len": {"type": "integer", "minimum": 1},
		"send-rate-per-sec": {"type": "number", "minimum": 0}
	},
	"additionalProperties": false
}`

// historySchema validates a history daemon config.json document.
const historySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"broker-address": {"type": "string"},
		"broker-port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"module": {"type": "string"},
		"directory": {"type": "string"},
		"loglevel": {"type": "string", "enum": ["debug", "info", "warn", "err", "crit"]},
		"logdate": {"type": "boolean"},
		"gops": {"type": "boolean"},
		"ops-addr": {"type": "string"},
		"flush-interval": {"type": "string"},
		"tags": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"type": {"type": "string", "enum": ["int", "float"]},
					"min": {"type": "number"},
					"max": {"type": "number"},
					"deadband": {"type": "number"},
					"init": {}
				},
				"additionalProperties": false
			}
		},
		"archive": {
			"type": "object",
			"properties": {
				"s3-bucket": {"type": "string"},
				"s3-prefix": {"type": "string"},
				"s3-region": {"type": "string"},
				"delete-after-upload": {"type": "boolean"}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

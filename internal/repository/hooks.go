// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package repository

import (
	"context"
	"time"

	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

type ctxKey string

const beginKey ctxKey = "begin"

// queryLogHooks satisfies sqlhooks.Hooks, logging every query issued
// through the sqlite3WithHooks driver at debug level.
type queryLogHooks struct{}

func (h *queryLogHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("sql query %s %q", query, args)
	return context.WithValue(ctx, beginKey, time.Now()), nil
}

func (h *queryLogHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(beginKey).(time.Time); ok {
		log.Debugf("took: %s", time.Since(begin))
	}
	return ctx, nil
}

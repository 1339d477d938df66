// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package usage resolves monthly entitlements and usage snapshots.
//
// Quota periods are calendar months in one fixed reference timezone for
// all users. Period keys are YYYY-MM strings; usage resets implicitly
// when the key rolls over, with no reset job and no counter mutation at
// month end.
package usage

import (
	"fmt"
	"time"
)

// PeriodKey returns the YYYY-MM period containing t in the reference
// zone.
func PeriodKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01")
}

// PeriodStart returns the first instant of t's period.
func PeriodStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}

// NextReset returns the first instant of the following period, i.e.
// when the current quota implicitly resets.
func NextReset(t time.Time, loc *time.Location) time.Time {
	return PeriodStart(t, loc).AddDate(0, 1, 0)
}

// ParsePeriod validates a YYYY-MM key.
func ParsePeriod(key string) (time.Time, error) {
	t, err := time.Parse("2006-01", key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid period %q: %w", key, err)
	}
	return t, nil
}

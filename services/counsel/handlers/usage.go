// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/briefwise/briefwise/services/counsel/datatypes"
	"github.com/briefwise/briefwise/services/counsel/middleware"
	"github.com/briefwise/briefwise/services/counsel/usage"
)

// GetUsage handles GET /v1/usage, returning the caller's current-period
// quota snapshot. Remaining is clamped to zero server-side so clients
// can render it directly.
func GetUsage(ledger *usage.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := middleware.GetAuthInfo(c)
		if authInfo == nil {
			c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
			return
		}

		snapshot, err := ledger.SnapshotFor(c.Request.Context(), authInfo.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load usage"})
			return
		}

		c.JSON(http.StatusOK, datatypes.UsageSnapshotResponse{
			Period:      snapshot.Period,
			PeriodStart: snapshot.PeriodStart.Format(time.RFC3339),
			PeriodEnd:   snapshot.PeriodEnd.Format(time.RFC3339),
			Used:        snapshot.Used,
			Limit:       snapshot.Limit,
			Remaining:   snapshot.Remaining,
			PercentUsed: snapshot.PercentUsed,
			Plan:        snapshot.Plan,
			Source:      snapshot.Source,
		})
	}
}

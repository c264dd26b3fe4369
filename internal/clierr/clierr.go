// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package clierr renders taxonomy errors for terminal output and picks the
// process exit code for a finished batch.
package clierr

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/taxonomy"
)

// Present writes a three-part message (what happened, why, what to do) for
// err to w, colored when quiet is false and the terminal supports it.
func Present(w io.Writer, err error, quiet bool) {
	var taxErr *taxonomy.Error
	if !taxonomy.As(err, &taxErr) {
		fmt.Fprintf(w, "error: %s\n", err)
		return
	}

	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	if quiet {
		fmt.Fprintf(w, "%s: %s\n", taxErr.Kind, taxErr.Detail)
		return
	}

	red.Fprintf(w, "error: %s\n", describeKind(taxErr.Kind))
	if taxErr.Detail != "" {
		fmt.Fprintf(w, "  why: %s\n", taxErr.Detail)
	}
	if hint := taxErr.Remediation(); hint != "" {
		yellow.Fprintf(w, "  what to do: %s\n", hint)
	}
}

func describeKind(k taxonomy.Kind) string {
	switch k {
	case taxonomy.NoResolver:
		return "no resolver could handle this input"
	case taxonomy.TooManyRedirects:
		return "resolution chain exceeded the hop limit"
	case taxonomy.AuthRequired:
		return "the source requires authentication"
	case taxonomy.RateLimited:
		return "the source is rate limiting requests"
	case taxonomy.NotFound:
		return "the resource was not found"
	case taxonomy.Forbidden:
		return "access to the resource was forbidden"
	case taxonomy.BadRequest:
		return "the server rejected the request"
	case taxonomy.Timeout:
		return "the request timed out"
	case taxonomy.ServerError:
		return "the server returned an error"
	case taxonomy.ConnectionReset:
		return "the connection was reset mid-transfer"
	case taxonomy.IntegrityMismatch:
		return "the downloaded content failed integrity verification"
	case taxonomy.RobotsDisallowed:
		return "the source's robots.txt disallows this path"
	case taxonomy.Persistence:
		return "a local storage error occurred"
	default:
		return "an internal error occurred"
	}
}

// ExitCode selects the process exit code for a finished batch per the
// documented taxonomy: 0 all completed, 1 some failed, 2 nothing
// succeeded or a fatal error stopped the batch before it could run.
func ExitCode(counts model.TerminalCounts, fatal error) int {
	if fatal != nil {
		return 2
	}
	return counts.ExitCode()
}

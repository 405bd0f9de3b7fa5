// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldPlanID    = "plan_id"
	FieldScanID    = "scan_id"
	FieldReportID  = "report_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldMediaType = "media_type"
	FieldOrigin    = "origin"

	// Provider fields
	FieldProvider = "provider"
	FieldEntityID = "entity_id"

	// Path fields
	FieldPath    = "path"
	FieldSrcPath = "src"
	FieldDstPath = "dst"
	FieldRoot    = "root"
)

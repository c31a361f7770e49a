package validation

import (
	"encoding/json"

	"github.com/fleetcomply/dutysync/internal/types"
)

// Field size caps applied to free-text entity fields.
const (
	maxNotesLength = 4096
	maxFieldLength = 256
)

// ValidateEntity checks an entity payload against its kind's rules.
// Returns the accumulated field errors; an empty slice means valid.
func ValidateEntity(kind types.EntityKind, payload json.RawMessage) []ValidationError {
	var c Collector

	switch kind {
	case types.KindDutyCall:
		var dc types.DutyCall
		if err := json.Unmarshal(payload, &dc); err != nil {
			c.Add(&ValidationError{Field: "payload", Message: "must be a valid duty call document"})
			return c.Errors()
		}
		c.Add(ValidateRequired("shift_type", dc.ShiftType))
		c.Add(ValidateEnum("shift_type", dc.ShiftType, []string{"pre", "post"}))
		c.Add(ValidateNonNegative("odometer", dc.Odometer))
		c.Add(ValidateUTF8("defects", dc.Defects))
		c.Add(ValidateMaxLength("defects", dc.Defects, maxNotesLength))
		c.Add(ValidateUTF8("notes", dc.Notes))
		c.Add(ValidateMaxLength("notes", dc.Notes, maxNotesLength))
		if dc.CheckedAt.IsZero() {
			c.Add(&ValidationError{Field: "checked_at", Message: "is required"})
		}
		if dc.VehicleID != "" {
			c.Add(ValidateULID("vehicle_id", dc.VehicleID))
		}

	case types.KindVehicle:
		var v types.Vehicle
		if err := json.Unmarshal(payload, &v); err != nil {
			c.Add(&ValidationError{Field: "payload", Message: "must be a valid vehicle document"})
			return c.Errors()
		}
		c.Add(ValidateRequired("plate", v.Plate))
		c.Add(ValidateMaxLength("plate", v.Plate, maxFieldLength))
		c.Add(ValidateMaxLength("make", v.Make, maxFieldLength))
		c.Add(ValidateMaxLength("model", v.Model, maxFieldLength))

	case types.KindProfile:
		var p types.Profile
		if err := json.Unmarshal(payload, &p); err != nil {
			c.Add(&ValidationError{Field: "payload", Message: "must be a valid profile document"})
			return c.Errors()
		}
		c.Add(ValidateRequired("display_name", p.DisplayName))
		c.Add(ValidateMaxLength("display_name", p.DisplayName, maxFieldLength))
		c.Add(ValidateMaxLength("license_number", p.LicenseNumber, maxFieldLength))
		c.Add(ValidateMaxLength("organization", p.Organization, maxFieldLength))

	default:
		c.Add(&ValidationError{Field: "entity_type", Message: "unknown entity type"})
	}

	return c.Errors()
}

package rules

import "strings"

// descriptionMarker splits an operator comment into its automation prefix and
// the human-readable text shown in the UI.
const descriptionMarker = "#description"

// Classification is everything Classify derives from the raw device fields.
type Classification struct {
	Description  string
	AutoOff      bool
	AutoOn       bool
	Scheduled    bool
	InactiveTime bool
	Enabled      bool
}

// Classify derives rule attributes from the comment, about and time fields of
// a device payload. Any of the string fields may be nil; this is the only
// place that branches on their presence.
//
// Conventions encoded here:
//   - a comment starting with "auto_off"/"auto_on" (case-insensitive) marks
//     automation intent; both flags are computed independently and are
//     mutually exclusive by operator convention only,
//   - text after a literal "#description" becomes the display description,
//     otherwise the whole trimmed comment is used,
//   - an about field starting with "inactive time" means the router reports
//     the rule as having an inactive window,
//   - a non-blank time field means the rule carries a device-side schedule.
func Classify(comment, about, timeField *string, disabled bool) Classification {
	c := deref(comment)

	desc := strings.TrimSpace(c)
	if i := strings.Index(c, descriptionMarker); i >= 0 {
		desc = strings.TrimSpace(c[i+len(descriptionMarker):])
	}

	lc := strings.ToLower(c)
	return Classification{
		Description:  desc,
		AutoOff:      strings.HasPrefix(lc, "auto_off"),
		AutoOn:       strings.HasPrefix(lc, "auto_on"),
		Scheduled:    strings.TrimSpace(deref(timeField)) != "",
		InactiveTime: strings.HasPrefix(strings.ToLower(deref(about)), "inactive time"),
		Enabled:      !disabled,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

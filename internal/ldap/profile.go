package ldap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// MaxGroupsShown is how many group names a profile lists before summarizing the rest.
const MaxGroupsShown = 5

// ProfileField is one labelled, normalized attribute of a profile.
type ProfileField struct {
	Attribute string
	Label     string
	Values    []string
	List      bool
}

// Value returns the field as a single string or a list, as it is rendered.
func (f ProfileField) Value() any {
	if len(f.Values) == 1 && !f.List {
		return f.Values[0]
	}
	return f.Values
}

// Profile is the normalized, ordered view of an account entry.
// Only attributes with at least one displayable value are present.
type Profile struct {
	DN     string
	Fields []ProfileField
}

// Field returns the field for label.
func (p *Profile) Field(label string) (ProfileField, bool) {
	for _, f := range p.Fields {
		if f.Label == label {
			return f, true
		}
	}
	return ProfileField{}, false
}

// Labels returns the labels present, in table order.
func (p *Profile) Labels() []string {
	labels := make([]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		labels = append(labels, f.Label)
	}
	return labels
}

// MarshalJSON renders the profile as a label-keyed object in table order.
func (p Profile) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, f := range p.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(f.Label)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value())
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ProfileResolver looks up an account and normalizes it through an attribute table.
type ProfileResolver struct {
	table []AttributeSpec
}

// NewProfileResolver creates a resolver over table. A nil table uses DefaultProfileAttributes.
func NewProfileResolver(table []AttributeSpec) *ProfileResolver {
	if table == nil {
		table = defaultProfileAttributes
	}
	return &ProfileResolver{table: slices.Clone(table)}
}

// Attributes returns the attribute names the resolver requests.
func (r *ProfileResolver) Attributes() []string {
	names := make([]string, 0, len(r.table))
	for _, spec := range r.table {
		names = append(names, spec.Name)
	}
	return names
}

// Resolve finds logonName under baseDN and returns its normalized profile.
// Zero matches yield a *NotFoundError.
func (r *ProfileResolver) Resolve(ctx context.Context, conn Connection, baseDN, logonName string) (*Profile, error) {
	var profile *Profile

	err := LogOperation(ctx, "resolve", map[string]any{
		"base_dn":    baseDN,
		"logon_name": logonName,
	}, func() error {
		entry, err := findAccount(ctx, conn, baseDN, logonName, r.Attributes())
		if err != nil {
			return err
		}
		profile = r.Normalize(ctx, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return profile, nil
}

// Normalize converts entry into a Profile. Undecodable values are logged and skipped.
func (r *ProfileResolver) Normalize(ctx context.Context, entry *ldap.Entry) *Profile {
	profile := &Profile{DN: entry.DN}

	for _, spec := range r.table {
		attr := entryAttribute(entry, spec.Name)
		if attr == nil {
			continue
		}

		values := normalizeAttribute(spec, attr, func(err *AttributeError) {
			LogAttributeError(ctx, entry.DN, err)
		})
		if len(values) == 0 {
			continue
		}

		profile.Fields = append(profile.Fields, ProfileField{
			Attribute: spec.Name,
			Label:     spec.Label,
			Values:    values,
			List:      spec.List,
		})
	}

	return profile
}

// normalizeAttribute renders every decodable value of attr according to spec.Kind.
func normalizeAttribute(spec AttributeSpec, attr *ldap.EntryAttribute, skip func(*AttributeError)) []string {
	if spec.Kind == KindGroupList {
		return groupNames(attr.Values)
	}

	var values []string
	for i, raw := range attr.Values {
		var rawBytes []byte
		if i < len(attr.ByteValues) {
			rawBytes = attr.ByteValues[i]
		} else {
			rawBytes = []byte(raw)
		}

		value, ok, err := normalizeValue(spec.Kind, raw, rawBytes)
		if err != nil {
			display := raw
			if spec.Kind == KindSID || spec.Kind == KindGUID {
				display = fmt.Sprintf("%x", rawBytes)
			}
			skip(&AttributeError{Attribute: spec.Name, Value: display, Cause: err})
			continue
		}
		if ok {
			values = append(values, value)
		}
	}

	return values
}

// normalizeValue renders a single raw value. ok=false means the value is
// well formed but carries nothing to display.
func normalizeValue(kind AttributeKind, raw string, rawBytes []byte) (string, bool, error) {
	switch kind {
	case KindGeneralizedTime:
		t, err := ParseGeneralizedTime(raw)
		if err != nil {
			return "", false, err
		}
		return FormatDisplayTime(t), true, nil

	case KindFiletime:
		t, ok, err := ParseFiletime(raw)
		if err != nil || !ok {
			return "", false, err
		}
		return FormatDisplayTime(t), true, nil

	case KindAccountControl:
		v, err := ParseAccountControl(raw)
		if err != nil {
			return "", false, err
		}
		return FormatAccountControl(v), true, nil

	case KindSID:
		sid, err := DecodeSID(rawBytes)
		if err != nil {
			return "", false, err
		}
		return sid, true, nil

	case KindGUID:
		guid, err := DecodeGUID(rawBytes)
		if err != nil {
			return "", false, err
		}
		return guid, true, nil

	case KindText:
		value := strings.TrimSpace(raw)
		return value, value != "", nil

	default:
		return "", false, errors.New("unsupported attribute kind")
	}
}

// groupNames reduces group DNs to their relative names, keeping the first
// MaxGroupsShown and summarizing the remainder as "+N more".
func groupNames(dns []string) []string {
	var nonEmpty []string
	for _, dn := range dns {
		if strings.TrimSpace(dn) != "" {
			nonEmpty = append(nonEmpty, dn)
		}
	}

	shown := nonEmpty[:min(len(nonEmpty), MaxGroupsShown)]

	names := make([]string, 0, len(shown)+1)
	for _, dn := range shown {
		names = append(names, relativeName(dn))
	}

	if extra := len(nonEmpty) - len(shown); extra > 0 {
		names = append(names, fmt.Sprintf("+%d more", extra))
	}

	return names
}

// relativeName returns the value of the first RDN of dn, e.g. "Admins" for
// "CN=Admins,OU=Groups,DC=example,DC=com".
func relativeName(dn string) string {
	if parsed, err := ldap.ParseDN(dn); err == nil && len(parsed.RDNs) > 0 && len(parsed.RDNs[0].Attributes) > 0 {
		return parsed.RDNs[0].Attributes[0].Value
	}

	first, _, _ := strings.Cut(dn, ",")
	if len(first) >= 3 && strings.EqualFold(first[:3], "CN=") {
		return first[3:]
	}
	return first
}

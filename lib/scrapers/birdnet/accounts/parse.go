package accounts

import (
	"fmt"
	"regexp"
	"strings"
)

// field names accepted in an import format string. ANY matches a field and
// throws it away.
var formatFields = map[string]func(*Credential) *string{
	"username":        func(c *Credential) *string { return &c.Username },
	"password":        func(c *Credential) *string { return &c.Password },
	"email":           func(c *Credential) *string { return &c.Email },
	"emailPassword":   func(c *Credential) *string { return &c.EmailPassword },
	"authToken":       func(c *Credential) *string { return &c.AuthToken },
	"twoFactorSecret": func(c *Credential) *string { return &c.TwoFactorSecret },
}

var formatTokenRegex = regexp.MustCompile(`[A-Za-z]+`)

// LineFormat parses newline-separated account records according to a format
// string such as "username:password:email:emailPassword:authToken:ANY".
// Every named field becomes a capture group and the separators between them
// are matched literally.
type LineFormat struct {
	format string
	fields []string
	regex  *regexp.Regexp
}

func ParseFormat(format string) (*LineFormat, error) {
	locs := formatTokenRegex.FindAllStringIndex(format, -1)
	if len(locs) == 0 {
		return nil, fmt.Errorf("format %q names no fields", format)
	}

	var fields []string
	var pattern strings.Builder
	pattern.WriteString("^")
	prev := 0
	for _, loc := range locs {
		name := format[loc[0]:loc[1]]
		if name != "ANY" {
			_, known := formatFields[name]
			if !known {
				return nil, fmt.Errorf("unknown field %q in format %q", name, format)
			}
		}

		sep := format[prev:loc[0]]
		pattern.WriteString(regexp.QuoteMeta(sep))
		if name == "ANY" {
			pattern.WriteString(`(?:.*?)`)
		} else {
			pattern.WriteString(`(.*?)`)
			fields = append(fields, name)
		}
		prev = loc[1]
	}
	pattern.WriteString(regexp.QuoteMeta(format[prev:]))
	pattern.WriteString("$")

	regex, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, err
	}
	return &LineFormat{
		format: format,
		fields: fields,
		regex:  regex,
	}, nil
}

func (f *LineFormat) String() string {
	return f.format
}

// ParseLine extracts a credential from a single record line.
func (f *LineFormat) ParseLine(line string) (Credential, error) {
	var cred Credential
	groups := f.regex.FindStringSubmatch(line)
	if groups == nil {
		return cred, fmt.Errorf("line does not match format %q", f.format)
	}
	for i, name := range f.fields {
		*formatFields[name](&cred) = groups[i+1]
	}
	return cred, nil
}

// Parse extracts credentials from a newline-separated blob, skipping blank
// lines and `#` comments.
func (f *LineFormat) Parse(input string) ([]Credential, error) {
	var out []Credential
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cred, err := f.ParseLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, nil
}

// FormatLine is the inverse of ParseLine for values that contain no
// separator characters.
func (f *LineFormat) FormatLine(cred Credential) string {
	var b strings.Builder
	locs := formatTokenRegex.FindAllStringIndex(f.format, -1)
	prev := 0
	for _, loc := range locs {
		name := f.format[loc[0]:loc[1]]
		b.WriteString(f.format[prev:loc[0]])
		if name != "ANY" {
			b.WriteString(*formatFields[name](&cred))
		}
		prev = loc[1]
	}
	b.WriteString(f.format[prev:])
	return b.String()
}

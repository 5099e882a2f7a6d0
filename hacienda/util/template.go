package util

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/go-faster/errors"
)

var funcMap = template.FuncMap{
	"base64": base64.StdEncoding.EncodeToString,
	"xml":    escapeXML,
	"rfc3339": func(t time.Time) string {
		return t.Format(time.RFC3339)
	},
	"add1": func(i int) int { return i + 1 },
	// amounts carry five decimals in the document schema
	"money": func(v float64) string {
		return strconv.FormatFloat(v, 'f', 5, 64)
	},
}

// MergeTemplate renders tpl with model. Templates may use base64, xml (escaping), rfc3339, add1 and money.
func MergeTemplate(tpl *string, model any) ([]byte, error) {
	tmpl, err := template.New("document").Funcs(funcMap).Option("missingkey=error").Parse(*tpl)
	if err != nil {
		return nil, errors.Wrap(err, "parse template")
	}

	var output bytes.Buffer
	if err := tmpl.Execute(&output, model); err != nil {
		return nil, errors.Wrap(err, "execute template")
	}
	return output.Bytes(), nil
}

func escapeXML(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

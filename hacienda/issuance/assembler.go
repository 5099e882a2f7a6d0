package issuance

import (
	"context"
	"io/fs"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/util"
	"github.com/go-faster/errors"
)

// TemplateAssembler renders a text/template. The template sees the Document as dot, so it can use
// .Key, .Consecutive20, .IssuedAt, .Issuer, .Receiver and the business .Data.
type TemplateAssembler struct {
	Template string
}

func (a TemplateAssembler) Assemble(_ context.Context, doc Document) ([]byte, error) {
	out, err := util.MergeTemplate(&a.Template, doc)
	if err != nil {
		return nil, errors.Wrap(err, "assemble document")
	}
	return out, nil
}

// AssemblerFunc adapts a function.
type AssemblerFunc func(ctx context.Context, doc Document) ([]byte, error)

func (f AssemblerFunc) Assemble(ctx context.Context, doc Document) ([]byte, error) {
	return f(ctx, doc)
}

// TemplateSet picks a template by document type.
type TemplateSet map[hacienda.DocumentType]string

func (s TemplateSet) Assemble(ctx context.Context, doc Document) ([]byte, error) {
	tpl, ok := s[doc.DocumentType]
	if !ok {
		return nil, errors.Errorf("no template for document type %s (%s)", doc.DocumentType, doc.DocumentType.RootElement())
	}
	return TemplateAssembler{Template: tpl}.Assemble(ctx, doc)
}

// LoadTemplates reads "<type>.xml.tmpl" files, e.g. 01.xml.tmpl for invoices, from dir.
func LoadTemplates(dir fs.FS) (TemplateSet, error) {
	set := TemplateSet{}
	for _, t := range hacienda.DocumentTypes() {
		b, err := fs.ReadFile(dir, string(t)+".xml.tmpl")
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read template %s", t)
		}
		set[t] = string(b)
	}
	if len(set) == 0 {
		return nil, errors.New("no document templates found")
	}
	return set, nil
}

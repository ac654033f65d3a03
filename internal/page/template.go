package page

import (
	"bytes"
	"context"
	_ "embed"
	"html/template"
	"sync"
	"time"

	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/samber/do"
)

//go:embed assets/job.html
var jobTmpl string

type Image struct {
	Src  string
	Seed int64
}

type Params struct {
	GenerateUUID string
	Prompt       string
	Generated    time.Time
	Images       []Image
}

type Templator struct {
	tmpl *template.Template
	once sync.Once
}

func NewTemplator(*do.Injector) (*Templator, error) {
	return &Templator{}, nil
}

func (g *Templator) Template(ctx context.Context, params Params) ([]byte, error) {
	g.once.Do(func() {
		g.tmpl = template.Must(template.New("job").Parse(jobTmpl))
	})

	log := log.FromContextOrDiscard(ctx).WithGroup("templator")
	log.Info("generating page", "generateUuid", params.GenerateUUID, "images", len(params.Images))

	var data bytes.Buffer
	if err := g.tmpl.Execute(&data, params); err != nil {
		return nil, err
	}
	return data.Bytes(), nil
}

package scoring

import (
	"context"
	"sync"

	"github.com/viant/afs"
)

// Loader reads the pipeline artifact on first use and keeps it for the process
// lifetime. A positive threshold replaces the one stored in the artifact.
type Loader struct {
	fs        afs.Service
	url       string
	threshold float64

	once     sync.Once
	pipeline *LogisticPipeline
	err      error
}

// NewLoader creates a loader for the artifact at URL.
func NewLoader(fs afs.Service, URL string, threshold float64) *Loader {
	return &Loader{fs: fs, url: URL, threshold: threshold}
}

// Get returns the pipeline, loading it on first use. A failed load is cached.
func (l *Loader) Get(ctx context.Context) (Pipeline, error) {
	p, err := l.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Pipeline is Get with the concrete type.
func (l *Loader) Pipeline(ctx context.Context) (*LogisticPipeline, error) {
	l.once.Do(func() {
		p, err := LoadArtifact(context.WithoutCancel(ctx), l.fs, l.url)
		if err != nil {
			l.err = err
			return
		}
		if l.threshold > 0 {
			p = p.WithThreshold(l.threshold)
		}
		l.pipeline = p
	})
	return l.pipeline, l.err
}

// URL is the artifact location the loader reads.
func (l *Loader) URL() string {
	return l.url
}

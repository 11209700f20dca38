package scoring

import (
	"bytes"
	"context"
	"fmt"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/bintly"
)

const (
	artifactMagic   = "SRPL"
	artifactVersion = 1
)

// ArtifactError means a pipeline artifact could not be read, decoded or written.
type ArtifactError struct {
	Source string
	Err    error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("pipeline artifact %s: %v", e.Source, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

// EncodeBinary writes the pipeline to a bintly stream.
func (p *LogisticPipeline) EncodeBinary(stream *bintly.Writer) error {
	stream.String(artifactMagic)
	stream.Int(artifactVersion)

	num := &p.Preprocessor.Numeric
	stream.Int(len(num.Columns))
	for _, column := range num.Columns {
		stream.String(column)
	}
	writeFloats(stream, num.Medians)
	writeFloats(stream, num.Means)
	writeFloats(stream, num.Scales)

	cat := &p.Preprocessor.Categorical
	stream.String(cat.HandleUnknown)
	stream.Int(len(cat.Columns))
	for i, column := range cat.Columns {
		stream.String(column)
		stream.Int(len(cat.Categories[i]))
		for _, category := range cat.Categories[i] {
			stream.String(category)
		}
	}

	writeFloats(stream, p.Classifier.Coef)
	stream.Float64(p.Classifier.Intercept)
	stream.Float64(p.Classifier.DecisionThreshold)
	return nil
}

// maxArtifactElements bounds how many elements one artifact may declare.
const maxArtifactElements = 1 << 20

// artifactReader reads element counts against a budget, so a corrupt count
// fails before it is allocated. Every decoded element occupies at least one
// byte of the artifact, so its size is a safe budget.
type artifactReader struct {
	stream *bintly.Reader
	budget int
}

func (r *artifactReader) count(what string) (int, error) {
	var n int
	r.stream.Int(&n)
	if n < 0 {
		return 0, fmt.Errorf("negative %s count", what)
	}
	if n > r.budget {
		return 0, fmt.Errorf("%s count %d exceeds the artifact size", what, n)
	}
	r.budget -= n
	return n, nil
}

func (r *artifactReader) floats(what string) ([]float64, error) {
	n, err := r.count(what)
	if err != nil || n == 0 {
		return nil, err
	}
	values := make([]float64, n)
	for i := range values {
		r.stream.Float64(&values[i])
	}
	return values, nil
}

// decode reads a pipeline written by EncodeBinary.
func (p *LogisticPipeline) decode(r *artifactReader) error {
	stream := r.stream
	var magic string
	stream.String(&magic)
	if magic != artifactMagic {
		return fmt.Errorf("not a pipeline artifact")
	}
	var version int
	stream.Int(&version)
	if version != artifactVersion {
		return fmt.Errorf("unsupported artifact version %d", version)
	}

	size, err := r.count("numeric column")
	if err != nil {
		return err
	}
	num := NumericBlock{Columns: make([]string, size)}
	for i := range num.Columns {
		stream.String(&num.Columns[i])
	}
	if num.Medians, err = r.floats("median"); err != nil {
		return err
	}
	if num.Means, err = r.floats("mean"); err != nil {
		return err
	}
	if num.Scales, err = r.floats("scale"); err != nil {
		return err
	}

	var cat CategoricalBlock
	stream.String(&cat.HandleUnknown)
	if size, err = r.count("categorical column"); err != nil {
		return err
	}
	cat.Columns = make([]string, size)
	cat.Categories = make([][]string, size)
	for i := range cat.Columns {
		stream.String(&cat.Columns[i])
		n, err := r.count("category")
		if err != nil {
			return err
		}
		cat.Categories[i] = make([]string, n)
		for j := range cat.Categories[i] {
			stream.String(&cat.Categories[i][j])
		}
	}

	var clf LogisticRegression
	if clf.Coef, err = r.floats("coefficient"); err != nil {
		return err
	}
	stream.Float64(&clf.Intercept)
	stream.Float64(&clf.DecisionThreshold)

	p.Preprocessor = ColumnTransformer{Numeric: num, Categorical: cat}
	p.Classifier = clf
	return nil
}

func writeFloats(stream *bintly.Writer, values []float64) {
	stream.Int(len(values))
	for _, v := range values {
		stream.Float64(v)
	}
}

// MarshalArtifact encodes a validated pipeline.
func MarshalArtifact(p *LogisticPipeline) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	writers := bintly.NewWriters()
	writer := writers.Get()
	defer writers.Put(writer)
	if err := p.EncodeBinary(writer); err != nil {
		return nil, err
	}
	return append([]byte(nil), writer.Bytes()...), nil
}

// UnmarshalArtifact decodes and validates a pipeline. Truncated input is
// reported as an error rather than a panic.
func UnmarshalArtifact(data []byte) (p *LogisticPipeline, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("corrupt artifact: %v", r)
		}
	}()

	readers := bintly.NewReaders()
	reader := readers.Get()
	defer readers.Put(reader)
	if err := reader.FromBytes(data); err != nil {
		return nil, err
	}

	p = &LogisticPipeline{}
	if err := p.decode(&artifactReader{stream: reader, budget: min(len(data), maxArtifactElements)}); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadArtifact downloads and decodes the pipeline stored at URL.
func LoadArtifact(ctx context.Context, fs afs.Service, URL string) (*LogisticPipeline, error) {
	exists, err := fs.Exists(ctx, URL)
	if err != nil {
		return nil, &ArtifactError{Source: URL, Err: err}
	}
	if !exists {
		return nil, &ArtifactError{Source: URL, Err: fmt.Errorf("artifact not found")}
	}
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, &ArtifactError{Source: URL, Err: err}
	}
	p, err := UnmarshalArtifact(data)
	if err != nil {
		return nil, &ArtifactError{Source: URL, Err: err}
	}
	return p, nil
}

// SaveArtifact encodes p and uploads it to URL.
func SaveArtifact(ctx context.Context, fs afs.Service, URL string, p *LogisticPipeline) error {
	data, err := MarshalArtifact(p)
	if err != nil {
		return &ArtifactError{Source: URL, Err: err}
	}
	if err := fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return &ArtifactError{Source: URL, Err: err}
	}
	return nil
}

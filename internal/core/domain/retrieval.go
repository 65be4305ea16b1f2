package domain

// Scope is the resolved retrieval scope of a caller. Category is a hard filter.
type Scope struct {
	UserID         string
	OrganizationID string
	Category       string
	Temperature    float64
}

type RetrievedChunk struct {
	DocumentID string  `json:"document_id"`
	ChunkID    int     `json:"chunk_id"`
	SectionNum int     `json:"section_num"`
	Title      string  `json:"title,omitempty"`
	Source     string  `json:"source"`
	Category   string  `json:"category"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// VectorQuery describes an MMR search against the vector index.
type VectorQuery struct {
	Vector   []float32
	K        int
	FetchK   int
	Lambda   float64
	Category string
}

type Source struct {
	File     string `json:"file"`
	Category string `json:"category"`
	Content  string `json:"content,omitempty"`
}

const AskStatusNoContext = "no_context"

// AskResult is what the retrieval engine returns. Failures surface in Error instead of a Go error.
type AskResult struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Status  string   `json:"status,omitempty"`
	Error   string   `json:"error,omitempty"`
}

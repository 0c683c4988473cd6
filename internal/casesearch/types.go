package casesearch

import "time"

type Backend string

const (
	BackendPython Backend = "python"
	BackendNode   Backend = "nodejs"
)

type CaseSummary struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Citation       string  `json:"citation,omitempty"`
	Court          string  `json:"court,omitempty"`
	Date           string  `json:"date,omitempty"`
	Summary        string  `json:"summary,omitempty"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

type SearchRequest struct {
	Query   string            `json:"query"`
	Limit   int               `json:"limit,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

type SearchResponse struct {
	Results        []CaseSummary `json:"results"`
	Total          int           `json:"total"`
	Query          string        `json:"query,omitempty"`
	ProcessingTime float64       `json:"processing_time,omitempty"`
	// Backend is set by SmartSearch to the backend that answered.
	Backend Backend `json:"backend,omitempty"`
}

type ScanRequest struct {
	ImageData string `json:"image_data"`
	Filename  string `json:"filename,omitempty"`
}

type ScanResponse struct {
	ExtractedText string        `json:"extracted_text"`
	Confidence    float64       `json:"confidence,omitempty"`
	RelatedCases  []CaseSummary `json:"related_cases"`
}

type VoiceRequest struct {
	AudioData string `json:"audio_data"`
	Language  string `json:"language,omitempty"`
}

type VoiceResponse struct {
	Transcript string        `json:"transcript"`
	Results    []CaseSummary `json:"results"`
}

type Favorite struct {
	CaseID    string    `json:"case_id"`
	Title     string    `json:"title,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type CompareRequest struct {
	CaseIDs []string `json:"case_ids"`
}

type CompareResponse struct {
	Cases        []CaseSummary `json:"cases"`
	Similarities []string      `json:"similarities,omitempty"`
	Differences  []string      `json:"differences,omitempty"`
	Summary      string        `json:"summary,omitempty"`
}

type ActivityEntry struct {
	Action    string    `json:"action"`
	Query     string    `json:"query,omitempty"`
	CaseID    string    `json:"case_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type BackendHealth struct {
	Available bool          `json:"available"`
	Status    string        `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
}

type Health struct {
	Python BackendHealth `json:"python"`
	Node   BackendHealth `json:"nodejs"`
}

package entity

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExtractedMetadata is stored as an opaque JSON blob on the File.
// Readers must tolerate fields added later.
type ExtractedMetadata struct {
	Hash           string    `json:"hash"`
	Size           SizeInfo  `json:"size"`
	MimeType       string    `json:"mimeType"`
	FileExtension  string    `json:"fileExtension"`
	LastModified   time.Time `json:"lastModified"`
	CompressedPath string    `json:"compressedPath"`
	ProcessedAt    time.Time `json:"processedAt"`
}

type SizeInfo struct {
	Original         int64   `json:"original"`
	Compressed       int64   `json:"compressed"`
	CompressionRatio Percent `json:"compressionRatio"`
}

// Percent is encoded as a string with two decimals, e.g. "42.17%".
type Percent float64

func (p Percent) String() string {
	return fmt.Sprintf("%.2f%%", float64(p))
}

func (p Percent) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}

func (p *Percent) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("Percent - UnmarshalJSON - strconv.Unquote: %w", err)
	}

	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return fmt.Errorf("Percent - UnmarshalJSON - strconv.ParseFloat: %w", err)
	}

	*p = Percent(v)

	return nil
}

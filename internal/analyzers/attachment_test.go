package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"phishtriage/internal/domain"
)

func TestAnalyzeAttachmentsDangerousExtension(t *testing.T) {
	e := domain.Email{Attachments: []domain.Attachment{{Filename: "invoice.exe", Size: 5000}}}
	indicators, score := AnalyzeAttachments(e)
	assert.Len(t, indicators, 1)
	assert.Equal(t, domain.SeverityCritical, indicators[0].Severity)
	assert.Greater(t, score, 0.0)
}

func TestAnalyzeAttachmentsDoubleExtension(t *testing.T) {
	e := domain.Email{Attachments: []domain.Attachment{{Filename: "invoice.pdf.exe", Size: 5000}}}
	indicators, _ := AnalyzeAttachments(e)
	var doubleExtFound bool
	for _, ind := range indicators {
		if ind.Confidence == 0.98 {
			doubleExtFound = true
		}
	}
	assert.True(t, doubleExtFound)
}

func TestAnalyzeAttachmentsSizeAnomalies(t *testing.T) {
	tiny := domain.Email{Attachments: []domain.Attachment{{Filename: "notes.txt", Size: 10}}}
	indicators, _ := AnalyzeAttachments(tiny)
	assert.Len(t, indicators, 1)
	assert.Equal(t, domain.SeverityMedium, indicators[0].Severity)

	huge := domain.Email{Attachments: []domain.Attachment{{Filename: "archive.zip", Size: 30 * 1024 * 1024}}}
	indicators, _ = AnalyzeAttachments(huge)
	var hasLow bool
	for _, ind := range indicators {
		if ind.Severity == domain.SeverityLow {
			hasLow = true
		}
	}
	assert.True(t, hasLow)
}

func TestAnalyzeAttachmentsBenign(t *testing.T) {
	e := domain.Email{Attachments: []domain.Attachment{{Filename: "report.pdf", Size: 50000}}}
	indicators, score := AnalyzeAttachments(e)
	assert.Empty(t, indicators)
	assert.Equal(t, 0.0, score)
}

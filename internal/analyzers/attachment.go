package analyzers

import (
	"strings"

	"phishtriage/internal/domain"
)

var dangerousExtensions = map[string]bool{
	".exe": true, ".scr": true, ".bat": true, ".cmd": true, ".com": true,
	".pif": true, ".vbs": true, ".js": true, ".jar": true, ".msi": true, ".ps1": true,
}

var macroExtensions = map[string]bool{
	".docm": true, ".xlsm": true, ".pptm": true, ".dotm": true, ".xltm": true,
}

var archiveExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true,
}

// safeExtensions are the innocuous extensions a double-extension attack
// disguises a dangerous payload behind, e.g. "invoice.pdf.exe".
var safeExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".jpg": true, ".jpeg": true, ".png": true, ".txt": true,
}

const (
	minBenignSize = 100
	maxBenignSize = 25 * 1024 * 1024
)

// AnalyzeAttachments runs the per-attachment rule engine and returns the
// merged indicators plus the attachment sub-score, clipped to [0, 10].
func AnalyzeAttachments(e domain.Email) ([]domain.ThreatIndicator, float64) {
	var indicators []domain.ThreatIndicator

	for _, a := range e.Attachments {
		indicators = append(indicators, scanAttachment(a)...)
	}

	score := 0.0
	for _, ind := range indicators {
		score += ind.Severity.Weight()
	}
	return indicators, domain.Clip(score, 10)
}

func scanAttachment(a domain.Attachment) []domain.ThreatIndicator {
	var out []domain.ThreatIndicator
	lowerName := strings.ToLower(a.Filename)
	exts := extensionsOf(lowerName)
	if len(exts) == 0 {
		return out
	}
	finalExt := exts[len(exts)-1]

	if dangerousExtensions[finalExt] {
		out = append(out, domain.ThreatIndicator{
			Kind:        domain.KindAttachment,
			Severity:    domain.SeverityCritical,
			Description: "Attachment has a dangerous executable extension",
			Evidence:    a.Filename,
			Confidence:  0.95,
		})
	}

	if macroExtensions[finalExt] {
		out = append(out, domain.ThreatIndicator{
			Kind:        domain.KindAttachment,
			Severity:    domain.SeverityHigh,
			Description: "Attachment is a macro-enabled office document",
			Evidence:    a.Filename,
			Confidence:  0.85,
		})
	}

	if archiveExtensions[finalExt] {
		out = append(out, domain.ThreatIndicator{
			Kind:        domain.KindAttachment,
			Severity:    domain.SeverityMedium,
			Description: "Attachment is an archive, contents cannot be inspected",
			Evidence:    a.Filename,
			Confidence:  0.6,
		})
	}

	if len(exts) >= 2 {
		inner := exts[len(exts)-2]
		if safeExtensions[inner] && dangerousExtensions[finalExt] {
			out = append(out, domain.ThreatIndicator{
				Kind:        domain.KindAttachment,
				Severity:    domain.SeverityCritical,
				Description: "Attachment uses a double extension to disguise an executable as a safe file",
				Evidence:    a.Filename,
				Confidence:  0.98,
			})
		}
	}

	if a.Size > 0 && a.Size < minBenignSize {
		out = append(out, domain.ThreatIndicator{
			Kind:        domain.KindAttachment,
			Severity:    domain.SeverityMedium,
			Description: "Attachment is unusually small for its claimed type",
			Evidence:    a.Filename,
			Confidence:  0.7,
		})
	}
	if a.Size > maxBenignSize {
		out = append(out, domain.ThreatIndicator{
			Kind:        domain.KindAttachment,
			Severity:    domain.SeverityLow,
			Description: "Attachment is unusually large",
			Evidence:    a.Filename,
			Confidence:  0.5,
		})
	}

	return out
}

// extensionsOf splits a filename into its dotted extension components,
// e.g. "invoice.pdf.exe" -> [".pdf", ".exe"], used to detect double
// extensions.
func extensionsOf(name string) []string {
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return nil
	}
	var exts []string
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		exts = append(exts, "."+p)
	}
	return exts
}

package provenance

import "time"

// AssetProvenance is the assembled provenance view of one asset, built from
// its records or supplied directly by an external auditor.
type AssetProvenance struct {
	AssetID          string     `json:"asset_id"`
	SourceKey        string     `json:"source_key"`
	SourceDigest     string     `json:"source_digest"`
	SourceSize       int64      `json:"source_size"`
	UploaderID       string     `json:"uploader_id,omitempty"`
	UploadedAt       *time.Time `json:"uploaded_at,omitempty"`
	OutputKey        string     `json:"output_key,omitempty"`
	OutputDigest     string     `json:"output_digest,omitempty"`
	ConverterVersion string     `json:"converter_version,omitempty"`
	QAScore          *float64   `json:"qa_score,omitempty"`
}

// VerifyResult reports which provenance fields are present. Missing source
// fields invalidate the chain; missing metadata only warns.
type VerifyResult struct {
	Valid         bool     `json:"valid"`
	MissingFields []string `json:"missing_fields,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Checks        []string `json:"checks"`
}

// Verify checks p for completeness.
//
// Source identity (key, digest, size) is mandatory. When an output exists,
// its digest is mandatory too; converter version and QA score only warn,
// since older conversions predate those fields. Upload metadata always
// degrades to warnings.
func Verify(p AssetProvenance) VerifyResult {
	res := VerifyResult{Valid: true}

	res.Checks = append(res.Checks, "source_fields")
	if p.SourceKey == "" {
		res.MissingFields = append(res.MissingFields, "source_key")
	}
	if p.SourceDigest == "" {
		res.MissingFields = append(res.MissingFields, "source_digest")
	}
	if p.SourceSize <= 0 {
		res.MissingFields = append(res.MissingFields, "source_size")
	}
	if len(res.MissingFields) > 0 {
		res.Valid = false
	}

	if p.OutputKey != "" || p.OutputDigest != "" {
		res.Checks = append(res.Checks, "output_fields")
		if p.OutputDigest == "" {
			res.MissingFields = append(res.MissingFields, "output_digest")
			res.Valid = false
		}
		if p.ConverterVersion == "" {
			res.Warnings = append(res.Warnings, "converter_version missing")
		}
		if p.QAScore == nil {
			res.Warnings = append(res.Warnings, "qa_score missing")
		}
	}

	res.Checks = append(res.Checks, "upload_metadata")
	if p.UploaderID == "" {
		res.Warnings = append(res.Warnings, "uploader_id missing")
	}
	if p.UploadedAt == nil {
		res.Warnings = append(res.Warnings, "uploaded_at missing")
	}

	return res
}

// Assemble folds an asset's records into an AssetProvenance view. Records
// must be in emission order, as MemorySink.ByAsset returns them.
func Assemble(assetID string, records []Record) AssetProvenance {
	p := AssetProvenance{AssetID: assetID}
	for _, rec := range records {
		switch d := rec.Details.(type) {
		case UploadDetails:
			p.SourceKey = d.SourceKey
			p.SourceDigest = d.SourceDigest
			p.SourceSize = d.SourceSize
			p.UploaderID = rec.ActorID
			ts := rec.Timestamp
			p.UploadedAt = &ts
		case ConversionDetails:
			p.OutputKey = d.OutputKey
			p.OutputDigest = d.OutputDigest
			p.ConverterVersion = d.ConverterVersion
		case QAPassDetails:
			score := d.Score
			p.QAScore = &score
		}
	}
	return p
}

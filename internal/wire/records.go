package wire

import (
	"time"

	"csrd/internal/model"
)

// PutDetected appends a Detected record field-by-field.
func (e *Encoder) PutDetected(d model.Detected) *Encoder {
	e.String(d.TargetName)
	e.String(d.MalwareName)
	e.String(d.DetailedURL)
	e.Int32(int32(d.Severity))
	e.Int64(d.Ts.Unix())
	e.Bool(d.IsApp)
	e.String(d.PkgID)
	e.String(d.FileInAppPath)
	e.Int32(int32(d.UserResponse))
	return e
}

// Detected reads a Detected record.
func (d *Decoder) Detected() (model.Detected, error) {
	var out model.Detected
	var err error
	if out.TargetName, err = d.String(); err != nil {
		return out, err
	}
	if out.MalwareName, err = d.String(); err != nil {
		return out, err
	}
	if out.DetailedURL, err = d.String(); err != nil {
		return out, err
	}
	sev, err := d.Int32()
	if err != nil {
		return out, err
	}
	out.Severity = model.Severity(sev)
	ts, err := d.Int64()
	if err != nil {
		return out, err
	}
	out.Ts = time.Unix(ts, 0).UTC()
	if out.IsApp, err = d.Bool(); err != nil {
		return out, err
	}
	if out.PkgID, err = d.String(); err != nil {
		return out, err
	}
	if out.FileInAppPath, err = d.String(); err != nil {
		return out, err
	}
	ur, err := d.Int32()
	if err != nil {
		return out, err
	}
	out.UserResponse = model.UserResponse(ur)
	return out, nil
}

// PutUrlVerdict appends a UrlVerdict record field-by-field.
func (e *Encoder) PutUrlVerdict(v model.UrlVerdict) *Encoder {
	e.Int32(int32(v.Risk))
	e.String(v.DetailedURL)
	e.Int32(int32(v.UserResponse))
	return e
}

// UrlVerdict reads a UrlVerdict record.
func (d *Decoder) UrlVerdict() (model.UrlVerdict, error) {
	var out model.UrlVerdict
	risk, err := d.Int32()
	if err != nil {
		return out, err
	}
	out.Risk = model.RiskLevel(risk)
	if out.DetailedURL, err = d.String(); err != nil {
		return out, err
	}
	ur, err := d.Int32()
	if err != nil {
		return out, err
	}
	out.UserResponse = model.UserResponse(ur)
	return out, nil
}

// PutScanContext appends a ScanContext field-by-field.
func (e *Encoder) PutScanContext(c model.ScanContext) *Encoder {
	e.Bool(c.AskUser)
	e.String(c.PopupMessage)
	e.Int32(int32(c.CoreUsage))
	e.Bool(c.ScanOnCloud)
	e.Bool(c.IsScannedCBRegistered)
	return e
}

// ScanContext reads a ScanContext.
func (d *Decoder) ScanContext() (model.ScanContext, error) {
	var out model.ScanContext
	var err error
	if out.AskUser, err = d.Bool(); err != nil {
		return out, err
	}
	if out.PopupMessage, err = d.String(); err != nil {
		return out, err
	}
	cu, err := d.Int32()
	if err != nil {
		return out, err
	}
	out.CoreUsage = model.CoreUsage(cu)
	if out.ScanOnCloud, err = d.Bool(); err != nil {
		return out, err
	}
	if out.IsScannedCBRegistered, err = d.Bool(); err != nil {
		return out, err
	}
	return out, nil
}

// PutUrlContext appends a UrlContext field-by-field.
func (e *Encoder) PutUrlContext(c model.UrlContext) *Encoder {
	e.Bool(c.AskUser)
	e.String(c.PopupMessage)
	return e
}

// UrlContext reads a UrlContext.
func (d *Decoder) UrlContext() (model.UrlContext, error) {
	var out model.UrlContext
	var err error
	if out.AskUser, err = d.Bool(); err != nil {
		return out, err
	}
	if out.PopupMessage, err = d.String(); err != nil {
		return out, err
	}
	return out, nil
}

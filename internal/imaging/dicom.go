// Package imaging wraps the narrow external surfaces of MRI/CT handling:
// DICOM tag extraction, dcm2niix conversion of scan sessions, and NIfTI
// transfer into the destination tree.
package imaging

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// PatientID reads tag (0010,0020) from a DICOM file and returns the subject
// part: scanners at the source sites encode IDs as "<site>_<subject>", so
// everything after the first underscore names the subject.
func PatientID(path string) (string, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return "", fmt.Errorf("dicom %s: %w", path, err)
	}
	el, err := ds.FindElementByTag(tag.PatientID)
	if err != nil {
		return "", fmt.Errorf("dicom %s: no patient ID: %w", path, err)
	}
	vals := dicom.MustGetStrings(el.Value)
	if len(vals) == 0 {
		return "", fmt.Errorf("dicom %s: empty patient ID", path)
	}
	id := vals[0]
	if _, after, found := strings.Cut(id, "_"); found {
		return after, nil
	}
	return id, nil
}

// SeriesNumber reads tag (0020,0011), the scan's series number.
func SeriesNumber(path string) (string, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return "", fmt.Errorf("dicom %s: %w", path, err)
	}
	el, err := ds.FindElementByTag(tag.SeriesNumber)
	if err != nil {
		return "", fmt.Errorf("dicom %s: no series number: %w", path, err)
	}
	vals := dicom.MustGetStrings(el.Value)
	if len(vals) == 0 {
		return "", fmt.Errorf("dicom %s: empty series number", path)
	}
	return strings.TrimSpace(vals[0]), nil
}

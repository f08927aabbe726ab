package enums

import "slices"

// CertificateStatus tracks the completion certificate of a commission.
type CertificateStatus string

const (
	CertificateStatusNone    CertificateStatus = "none"
	CertificateStatusPending CertificateStatus = "pending"
	CertificateStatusIssued  CertificateStatus = "issued"
)

var validCertificateStatuses = []CertificateStatus{
	CertificateStatusNone,
	CertificateStatusPending,
	CertificateStatusIssued,
}

// String implements fmt.Stringer.
func (c CertificateStatus) String() string {
	return string(c)
}

// IsValid reports whether the value is a known CertificateStatus.
func (c CertificateStatus) IsValid() bool {
	return slices.Contains(validCertificateStatuses, c)
}

// ParseCertificateStatus converts raw input into a CertificateStatus.
func ParseCertificateStatus(value string) (CertificateStatus, error) {
	return parse(validCertificateStatuses, value, "certificate status")
}

package domain

import "time"

// PackageKind distinguishes the two reference collections.
type PackageKind string

const (
	PackageKindCasual     PackageKind = "casual"
	PackageKindConcession PackageKind = "concession"
)

// CasualRate is a single-class rate. Price is in major units as stored.
type CasualRate struct {
	ID            string
	Name          string
	Price         float64
	IsActive      bool
	IsPromo       bool
	IsStudentRate bool
	Description   *string
	DisplayOrder  int
}

// ConcessionPackage is a bundle of classes. Price is in major units as stored.
type ConcessionPackage struct {
	ID              string
	Name            string
	Price           float64
	NumberOfClasses int
	ExpiryMonths    int
	IsActive        bool
	IsPromo         bool
	Description     *string
	DisplayOrder    int
}

// PricingEntry is one resolved package. Price is in minor units.
type PricingEntry struct {
	ID              string      `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name"`
	Type            PackageKind `json:"type" yaml:"type"`
	Price           int64       `json:"price" yaml:"price"`
	IsStudentRate   bool        `json:"isStudentRate,omitempty" yaml:"isStudentRate,omitempty"`
	NumberOfClasses *int        `json:"numberOfClasses,omitempty" yaml:"numberOfClasses,omitempty"`
	ExpiryMonths    *int        `json:"expiryMonths,omitempty" yaml:"expiryMonths,omitempty"`
	Description     *string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// PricingTable maps package id to its resolved entry.
type PricingTable map[string]PricingEntry

// TransactionType returns the ledger type a purchase of this entry produces.
func (p PricingEntry) TransactionType() TransactionType {
	switch {
	case p.Type == PackageKindConcession:
		return TransactionTypeConcessionPurchase
	case p.IsStudentRate:
		return TransactionTypeCasualStudent
	default:
		return TransactionTypeCasual
	}
}

// ExpiryFrom returns the block expiry for a concession entry bought at t.
func (p PricingEntry) ExpiryFrom(t time.Time) *time.Time {
	if p.ExpiryMonths == nil || *p.ExpiryMonths <= 0 {
		return nil
	}
	exp := t.AddDate(0, *p.ExpiryMonths, 0)
	return &exp
}

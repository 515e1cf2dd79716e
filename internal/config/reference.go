package config

import "github.com/sawpanic/sentinel/internal/domain"

// DefaultReference is the built-in cable-materials catalogue used when the
// configuration file does not declare its own reference section.
func DefaultReference() ReferenceConfig {
	poly := func(name string) domain.Material {
		return domain.Material{Name: name, Category: domain.CategoryOilLinked, LeadTimeDays: 30, Driver: "oil", Symbol: "CL=F", ErrorStdDev: 25}
	}
	metal := func(name, symbol string, lead int) domain.Material {
		return domain.Material{Name: name, Category: domain.CategoryVolatileMetal, LeadTimeDays: lead, Driver: "lme", Symbol: symbol, ErrorStdDev: 150}
	}
	specialty := func(name, symbol string) domain.Material {
		return domain.Material{Name: name, Category: domain.CategoryIntermittentSpecialty, LeadTimeDays: 60, Driver: "lead-time", Symbol: symbol, ErrorStdDev: 10}
	}

	return ReferenceConfig{
		Materials: []domain.Material{
			poly("PVC"),
			poly("XLPE"),
			poly("PE"),
			poly("LSF"),
			metal("Copper", "HG=F", 30),
			metal("Aluminum", "ALI=F", 30),
			metal("GSW", "HRC=F", 45),
			metal("GST", "HRC=F", 45),
			metal("Copper Tape", "HG=F", 45),
			metal("Aluminum Tape", "ALI=F", 45),
			specialty("Mica Tape", "PICK"),
			specialty("Water-blocking", "CL=F"),
		},
		Countries: []domain.Country{
			{Name: "Egypt", Code: "818", Region: "MENA"},
			{Name: "UAE", Code: "784", Region: "MENA"},
			{Name: "Saudi Arabia", Code: "682", Region: "MENA"},
			{Name: "China", Code: "156", Region: "APAC"},
			{Name: "India", Code: "356", Region: "APAC"},
			{Name: "Japan", Code: "392", Region: "APAC"},
			{Name: "S.Korea", Code: "410", Region: "APAC"},
			{Name: "Australia", Code: "36", Region: "APAC"},
			{Name: "Germany", Code: "276", Region: "EU"},
			{Name: "Italy", Code: "380", Region: "EU"},
			{Name: "France", Code: "251", Region: "EU"},
			{Name: "Spain", Code: "724", Region: "EU"},
			{Name: "UK", Code: "826", Region: "EU"},
			{Name: "USA", Code: "842", Region: "NA"},
			{Name: "Canada", Code: "124", Region: "NA"},
			{Name: "Brazil", Code: "76", Region: "LATAM"},
			{Name: "Chile", Code: "152", Region: "LATAM"},
			{Name: "Mexico", Code: "484", Region: "LATAM"},
			{Name: "Argentina", Code: "32", Region: "LATAM"},
			{Name: "South Africa", Code: "710", Region: "SSA"},
			{Name: "Nigeria", Code: "566", Region: "SSA"},
			{Name: "Kenya", Code: "404", Region: "SSA"},
		},
	}
}

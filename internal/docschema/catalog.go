package docschema

import "github.com/sells-group/evidence-pipeline/internal/model"

// Subtype identifiers.
const (
	SubtypeSOC2Type2   = "soc2_type2"
	SubtypeSOC2Type1   = "soc2_type1"
	SubtypeISO27001    = "iso27001"
	SubtypeCertificate = "certificate"
	SubtypePolicy      = "policy"
)

// TSCCategories are the SOC 2 Trust Services Criteria groupings.
var TSCCategories = []string{"CC1", "CC2", "CC3", "CC4", "CC5", "CC6", "CC7", "CC8", "CC9", "A", "PI", "C", "P"}

var (
	crit = model.CriticalityCritical
	simp = model.CriticalitySimple
	cplx = model.CriticalityComplex
)

var soc2Sections = []SectionSpec{
	{Name: "opinion", Description: "Independent service auditor's report and opinion letter", Keywords: []string{"independent service auditor", "in our opinion", "opinion", "qualified"}},
	{Name: "scope", Description: "Report scope, period and system description", Keywords: []string{"scope", "period", "system description", "trust services criteria"}},
	{Name: "controls", Description: "Control activities and tests of controls", Keywords: []string{"control activities", "tests of controls", "results of tests", "cc6"}},
	{Name: "exceptions", Description: "Deviations and exceptions noted during testing", Keywords: []string{"exception", "deviation", "exceptions noted"}},
	{Name: "subservice", Description: "Subservice organizations and carve-outs", Keywords: []string{"subservice organization", "carve-out", "carved out"}},
	{Name: "cuecs", Description: "Complementary user entity controls", Keywords: []string{"complementary user entity controls", "user entity"}},
}

var soc2Fields = []FieldSpec{
	{Name: "report_type", Section: "scope", Criticality: simp, Description: "SOC 2 report type", Enum: []string{"type1", "type2"}},
	{Name: "audit_firm", Section: "opinion", Criticality: simp, Description: "Name of the CPA firm that performed the examination"},
	{Name: "opinion", Section: "opinion", Criticality: crit, Description: "Auditor opinion", Enum: []string{"unqualified", "qualified", "adverse", "disclaimer"}},
	{Name: "service_org_name", Section: "opinion", Criticality: simp, Description: "Name of the service organization"},
	{Name: "period_start", Section: "scope", Criticality: simp, Description: "Start of the examination period", Format: "date"},
	{Name: "period_end", Section: "scope", Criticality: simp, Description: "End of the examination period", Format: "date"},
	{Name: "trust_services_criteria", Section: "scope", Criticality: cplx, Description: "Comma separated trust services criteria in scope"},
	{Name: "report_date", Section: "opinion", Criticality: simp, Optional: true, Description: "Date of the auditor's report", Format: "date"},
}

var controlList = EntitySpec{
	Type:        model.EntityControl,
	Section:     "controls",
	Description: "Each control listed in the control activities or tests of controls",
	KeyFields:   []string{"control_id"},
	Fields: []FieldSpec{
		{Name: "control_id", Section: "controls", Criticality: simp, Description: "Control identifier such as CC6.1"},
		{Name: "tsc_category", Section: "controls", Criticality: cplx, Optional: true, Description: "Trust services category", Enum: TSCCategories},
		{Name: "description", Section: "controls", Criticality: cplx, Description: "Control description"},
		{Name: "test_result", Section: "controls", Criticality: crit, Description: "Result of testing", Enum: []string{"operating_effectively", "exception", "not_tested"}},
	},
}

var exceptionList = EntitySpec{
	Type:        model.EntityException,
	Section:     "exceptions",
	Description: "Each exception or deviation noted by the auditor",
	KeyFields:   []string{"control_id", "description"},
	Fields: []FieldSpec{
		{Name: "control_id", Section: "exceptions", Criticality: crit, Description: "Control the exception relates to"},
		{Name: "description", Section: "exceptions", Criticality: crit, Description: "What the auditor found"},
		{Name: "management_response", Section: "exceptions", Criticality: cplx, Optional: true, Description: "Management's response"},
	},
}

var subserviceList = EntitySpec{
	Type:        model.EntitySubserviceOrg,
	Section:     "subservice",
	Description: "Each subservice organization used by the service organization",
	KeyFields:   []string{"name"},
	Fields: []FieldSpec{
		{Name: "name", Section: "subservice", Criticality: simp, Description: "Subservice organization name"},
		{Name: "service_description", Section: "subservice", Criticality: cplx, Optional: true, Description: "Services provided"},
		{Name: "treatment", Section: "subservice", Criticality: cplx, Description: "Carve-out or inclusive method", Enum: []string{"carve_out", "inclusive"}},
	},
}

var cuecList = EntitySpec{
	Type:        model.EntityCUEC,
	Section:     "cuecs",
	Description: "Each complementary user entity control",
	KeyFields:   []string{"description"},
	Fields: []FieldSpec{
		{Name: "description", Section: "cuecs", Criticality: cplx, Description: "Responsibility of the user entity"},
		{Name: "related_control", Section: "cuecs", Criticality: simp, Optional: true, Description: "Related control or criteria"},
	},
}

func soc2Type1Controls() EntitySpec {
	l := controlList
	l.Fields = []FieldSpec{controlList.Fields[0], controlList.Fields[1], controlList.Fields[2]}
	return l
}

var catalog = map[string]Schema{
	SubtypeSOC2Type2: {
		Subtype:      SubtypeSOC2Type2,
		DocumentType: "soc2",
		Description:  "SOC 2 Type II report covering design and operating effectiveness over a period",
		ReportEntity: model.EntityReport,
		Sections:     soc2Sections,
		Fields:       soc2Fields,
		Lists:        []EntitySpec{controlList, exceptionList, subserviceList, cuecList},
	},
	SubtypeSOC2Type1: {
		Subtype:      SubtypeSOC2Type1,
		DocumentType: "soc2",
		Description:  "SOC 2 Type I report covering control design at a point in time",
		ReportEntity: model.EntityReport,
		Sections:     []SectionSpec{soc2Sections[0], soc2Sections[1], soc2Sections[2], soc2Sections[4], soc2Sections[5]},
		Fields:       soc2Fields,
		Lists:        []EntitySpec{soc2Type1Controls(), subserviceList, cuecList},
	},
	SubtypeISO27001: {
		Subtype:      SubtypeISO27001,
		DocumentType: "iso27001",
		Description:  "ISO/IEC 27001 certificate with optional statement of applicability",
		ReportEntity: model.EntityCertificate,
		Sections: []SectionSpec{
			{Name: "certificate", Description: "Certificate face page", Keywords: []string{"certificate", "certified", "registration"}},
			{Name: "scope", Description: "Scope of certification", Keywords: []string{"scope", "applicable to"}},
			{Name: "soa", Description: "Statement of applicability listing Annex A controls", Keywords: []string{"statement of applicability", "annex a"}},
		},
		Fields: []FieldSpec{
			{Name: "certification_body", Section: "certificate", Criticality: simp, Description: "Accredited certification body"},
			{Name: "certificate_number", Section: "certificate", Criticality: simp, Description: "Certificate number"},
			{Name: "issue_date", Section: "certificate", Criticality: simp, Description: "Issue date", Format: "date"},
			{Name: "expiry_date", Section: "certificate", Criticality: simp, Description: "Expiry date", Format: "date"},
			{Name: "certification_status", Section: "certificate", Criticality: crit, Description: "Validity of the certificate", Enum: []string{"valid", "suspended", "withdrawn", "expired"}},
			{Name: "certificate_scope", Section: "scope", Criticality: cplx, Description: "Scope statement"},
		},
		Lists: []EntitySpec{{
			Type:        model.EntityControl,
			Section:     "soa",
			Description: "Each Annex A control in the statement of applicability",
			KeyFields:   []string{"control_id"},
			Fields: []FieldSpec{
				{Name: "control_id", Section: "soa", Criticality: simp, Description: "Annex A control identifier such as A.8.2"},
				{Name: "description", Section: "soa", Criticality: cplx, Optional: true, Description: "Control title"},
				{Name: "applicability", Section: "soa", Criticality: cplx, Description: "Whether the control is applied", Enum: []string{"applicable", "excluded"}},
			},
		}},
	},
	SubtypeCertificate: {
		Subtype:      SubtypeCertificate,
		DocumentType: "certificate",
		Description:  "Attestation or compliance certificate such as a PCI DSS AOC",
		ReportEntity: model.EntityCertificate,
		Sections: []SectionSpec{
			{Name: "certificate", Description: "Certificate body", Keywords: []string{"certificate", "attestation", "compliance"}},
		},
		Fields: []FieldSpec{
			{Name: "certificate_type", Section: "certificate", Criticality: simp, Description: "Standard or framework certified against"},
			{Name: "issuer", Section: "certificate", Criticality: simp, Description: "Issuing body"},
			{Name: "holder", Section: "certificate", Criticality: simp, Description: "Certified organization"},
			{Name: "issue_date", Section: "certificate", Criticality: simp, Description: "Issue date", Format: "date"},
			{Name: "expiry_date", Section: "certificate", Criticality: simp, Optional: true, Description: "Expiry date", Format: "date"},
			{Name: "certification_status", Section: "certificate", Criticality: crit, Description: "Validity of the certificate", Enum: []string{"valid", "suspended", "withdrawn", "expired"}},
		},
	},
	SubtypePolicy: {
		Subtype:      SubtypePolicy,
		DocumentType: "policy",
		Description:  "Internal security or risk policy document",
		ReportEntity: model.EntityPolicy,
		Sections: []SectionSpec{
			{Name: "header", Description: "Title block and document control", Keywords: []string{"policy", "version", "owner", "approved"}},
		},
		Fields: []FieldSpec{
			{Name: "policy_title", Section: "header", Criticality: simp, Description: "Policy title"},
			{Name: "owner", Section: "header", Criticality: simp, Optional: true, Description: "Policy owner"},
			{Name: "version", Section: "header", Criticality: simp, Optional: true, Description: "Document version"},
			{Name: "effective_date", Section: "header", Criticality: simp, Description: "Effective date", Format: "date"},
			{Name: "approval_status", Section: "header", Criticality: crit, Description: "Whether the policy is formally approved", Enum: []string{"approved", "draft"}},
		},
	},
}

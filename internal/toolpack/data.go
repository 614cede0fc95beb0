// ABOUTME: Fixture records behind the demo biomedical tools.
// ABOUTME: A handful of articles, compound assays and protein interactions around common oncology targets.

package toolpack

type article struct {
	PMID     string   `json:"pmid"`
	Title    string   `json:"title"`
	Journal  string   `json:"journal"`
	Year     int      `json:"year"`
	Abstract string   `json:"-"`
	Keywords []string `json:"-"`
}

type compound struct {
	Compound string  `json:"compound"`
	Target   string  `json:"target"`
	IC50nM   float64 `json:"ic50_nm"`
	Phase    string  `json:"phase"`
}

type interaction struct {
	Partner string  `json:"partner"`
	Score   float64 `json:"score"`
}

var articles = []article{
	{
		PMID:     "31825569",
		Title:    "Trastuzumab deruxtecan in previously treated HER2-positive breast cancer",
		Journal:  "N Engl J Med",
		Year:     2020,
		Abstract: "Trastuzumab deruxtecan showed durable antitumor activity in a pretreated population of patients with HER2-positive metastatic breast cancer.",
		Keywords: []string{"her2", "erbb2", "breast", "antibody-drug conjugate"},
	},
	{
		PMID:     "28586279",
		Title:    "Neratinib after trastuzumab-based adjuvant therapy in HER2-positive breast cancer",
		Journal:  "Lancet Oncol",
		Year:     2017,
		Abstract: "Extended adjuvant neratinib significantly reduced invasive disease-free survival events in HER2-positive early breast cancer.",
		Keywords: []string{"her2", "neratinib", "tyrosine kinase inhibitor", "breast"},
	},
	{
		PMID:     "29151359",
		Title:    "Osimertinib in untreated EGFR-mutated advanced non-small-cell lung cancer",
		Journal:  "N Engl J Med",
		Year:     2018,
		Abstract: "Osimertinib showed efficacy superior to that of standard EGFR tyrosine kinase inhibitors in the first-line treatment of EGFR mutation-positive NSCLC.",
		Keywords: []string{"egfr", "lung", "nsclc", "osimertinib", "tyrosine kinase inhibitor"},
	},
	{
		PMID:     "28578601",
		Title:    "Olaparib for metastatic breast cancer in patients with a germline BRCA mutation",
		Journal:  "N Engl J Med",
		Year:     2017,
		Abstract: "Olaparib monotherapy provided a significant benefit over standard therapy in patients with HER2-negative metastatic breast cancer and a germline BRCA mutation.",
		Keywords: []string{"brca1", "brca2", "parp", "olaparib", "breast"},
	},
	{
		PMID:     "30224649",
		Title:    "Targeting mutant p53 for cancer therapy: direct and indirect strategies",
		Journal:  "J Hematol Oncol",
		Year:     2021,
		Abstract: "Reviews compounds that restore wild-type p53 function or exploit vulnerabilities of TP53-mutant tumours.",
		Keywords: []string{"tp53", "p53", "mdm2", "review"},
	},
	{
		PMID:     "33176083",
		Title:    "KRAS G12C inhibition with sotorasib in advanced solid tumors",
		Journal:  "N Engl J Med",
		Year:     2020,
		Abstract: "Sotorasib showed encouraging anticancer activity in patients with heavily pretreated advanced solid tumors harboring the KRAS p.G12C mutation.",
		Keywords: []string{"kras", "g12c", "sotorasib", "lung"},
	},
}

var compounds = []compound{
	{Compound: "trastuzumab", Target: "HER2", IC50nM: 0.1, Phase: "approved"},
	{Compound: "lapatinib", Target: "HER2", IC50nM: 10.8, Phase: "approved"},
	{Compound: "neratinib", Target: "HER2", IC50nM: 59, Phase: "approved"},
	{Compound: "tucatinib", Target: "HER2", IC50nM: 6.9, Phase: "approved"},
	{Compound: "osimertinib", Target: "EGFR", IC50nM: 12, Phase: "approved"},
	{Compound: "gefitinib", Target: "EGFR", IC50nM: 33, Phase: "approved"},
	{Compound: "olaparib", Target: "PARP1", IC50nM: 5, Phase: "approved"},
	{Compound: "sotorasib", Target: "KRAS", IC50nM: 68, Phase: "approved"},
	{Compound: "idasanutlin", Target: "MDM2", IC50nM: 6, Phase: "phase 3"},
}

var interactions = map[string][]interaction{
	"HER2":  {{"EGFR", 0.99}, {"ERBB3", 0.99}, {"GRB2", 0.97}, {"PIK3CA", 0.91}},
	"EGFR":  {{"GRB2", 0.99}, {"ERBB2", 0.99}, {"SHC1", 0.98}, {"KRAS", 0.93}},
	"BRCA1": {{"BARD1", 0.99}, {"PALB2", 0.99}, {"RAD51", 0.98}, {"BRCA2", 0.97}},
	"TP53":  {{"MDM2", 0.99}, {"EP300", 0.99}, {"CDKN1A", 0.98}, {"ATM", 0.96}},
	"KRAS":  {{"RAF1", 0.99}, {"SOS1", 0.99}, {"PIK3CA", 0.95}, {"BRAF", 0.94}},
}

// aliases maps alternative gene names onto the canonical keys above.
var aliases = map[string]string{
	"ERBB2": "HER2",
	"P53":   "TP53",
}

package data

import "fmt"

// #region label-sets
// YNATLabels are the news topic classes.
var YNATLabels = []string{"IT과학", "경제", "사회", "생활문화", "세계", "스포츠", "정치"}

// NLILabels are the entailment classes.
var NLILabels = []string{"entailment", "neutral", "contradiction"}

// RELabels are the relation classes; index 0 is the negative class.
var RELabels = []string{
	"no_relation",
	"org:dissolved",
	"org:founded",
	"org:place_of_headquarters",
	"org:alternate_names",
	"org:member_of",
	"org:members",
	"org:political/religious_affiliation",
	"org:product",
	"org:founded_by",
	"org:top_members/employees",
	"org:number_of_employees/members",
	"per:date_of_birth",
	"per:date_of_death",
	"per:place_of_birth",
	"per:place_of_death",
	"per:place_of_residence",
	"per:origin",
	"per:employee_of",
	"per:schools_attended",
	"per:alternate_names",
	"per:parents",
	"per:children",
	"per:siblings",
	"per:spouse",
	"per:other_family",
	"per:colleagues",
	"per:product",
	"per:religion",
	"per:title",
}

// NERLabels are the character BIO tags; O is last.
var NERLabels = []string{
	"B-DT", "I-DT", "B-LC", "I-LC", "B-OG", "I-OG",
	"B-PS", "I-PS", "B-QT", "I-QT", "B-TI", "I-TI", "O",
}

// Unlabeled marks examples whose gold label is absent (held-out test files).
const Unlabeled = -1

// LabelIndex maps name to its position in labels. An empty name is Unlabeled.
func LabelIndex(labels []string, name string) (int, error) {
	if name == "" {
		return Unlabeled, nil
	}
	for i, l := range labels {
		if l == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown label %q", name)
}

// #endregion label-sets

package data

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// #region json
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// #endregion json

// #region ynat
// TopicExample is a news headline with its topic.
type TopicExample struct {
	GUID  string
	Title string
	Label int
}

// LoadYNAT reads a topic-classification file.
func LoadYNAT(path string) ([]TopicExample, error) {
	var raw []struct {
		GUID  string `json:"guid"`
		Title string `json:"title"`
		Label string `json:"label"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	out := make([]TopicExample, len(raw))
	for i, r := range raw {
		label, err := LabelIndex(YNATLabels, r.Label)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, r.GUID, err)
		}
		out[i] = TopicExample{GUID: r.GUID, Title: r.Title, Label: label}
	}
	return out, nil
}

// #endregion ynat

// #region nli
// PairExample is a premise/hypothesis pair.
type PairExample struct {
	GUID       string
	Premise    string
	Hypothesis string
	Label      int
}

// LoadNLI reads a natural-language-inference file.
func LoadNLI(path string) ([]PairExample, error) {
	var raw []struct {
		GUID       string `json:"guid"`
		Premise    string `json:"premise"`
		Hypothesis string `json:"hypothesis"`
		GoldLabel  string `json:"gold_label"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	out := make([]PairExample, len(raw))
	for i, r := range raw {
		label, err := LabelIndex(NLILabels, r.GoldLabel)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, r.GUID, err)
		}
		out[i] = PairExample{GUID: r.GUID, Premise: r.Premise, Hypothesis: r.Hypothesis, Label: label}
	}
	return out, nil
}

// #endregion nli

// #region sts
// STSExample is a sentence pair with a similarity score in [0, 5].
// Labeled is false for held-out files without scores.
type STSExample struct {
	GUID      string
	Sentence1 string
	Sentence2 string
	Score     float64
	Labeled   bool
}

// LoadSTS reads a semantic-textual-similarity file.
func LoadSTS(path string) ([]STSExample, error) {
	var raw []struct {
		GUID      string `json:"guid"`
		Sentence1 string `json:"sentence1"`
		Sentence2 string `json:"sentence2"`
		Labels    *struct {
			Label float64 `json:"label"`
		} `json:"labels"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	out := make([]STSExample, len(raw))
	for i, r := range raw {
		out[i] = STSExample{GUID: r.GUID, Sentence1: r.Sentence1, Sentence2: r.Sentence2}
		if r.Labels != nil {
			out[i].Score, out[i].Labeled = r.Labels.Label, true
		}
	}
	return out, nil
}

// #endregion sts

// #region re
// Entity is a marked span of a relation-extraction sentence.
type Entity struct {
	Word  string `json:"word"`
	Start int    `json:"start_idx"`
	End   int    `json:"end_idx"`
	Type  string `json:"type"`
}

// REExample is a sentence with a subject/object pair.
type REExample struct {
	GUID     string
	Sentence string
	Subject  Entity
	Object   Entity
	Label    int
}

// LoadRE reads a relation-extraction file.
func LoadRE(path string) ([]REExample, error) {
	var raw []struct {
		GUID     string `json:"guid"`
		Sentence string `json:"sentence"`
		Subject  Entity `json:"subject_entity"`
		Object   Entity `json:"object_entity"`
		Label    string `json:"label"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	out := make([]REExample, len(raw))
	for i, r := range raw {
		label, err := LabelIndex(RELabels, r.Label)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, r.GUID, err)
		}
		out[i] = REExample{GUID: r.GUID, Sentence: r.Sentence, Subject: r.Subject, Object: r.Object, Label: label}
	}
	return out, nil
}

// #endregion re

// #region ner
// NERExample is a sentence split into characters with one tag each.
type NERExample struct {
	GUID  string
	Chars []string
	Tags  []int
}

// Text joins the characters back into the sentence.
func (e NERExample) Text() string { return strings.Join(e.Chars, "") }

// LoadNER reads the tab-separated tagging format: a "## <guid>\t<sentence>"
// header, one "<char>\t<tag>" line per character, and a blank line between
// sentences.
func LoadNER(path string) ([]NERExample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	var out []NERExample
	var cur *NERExample
	flush := func() {
		if cur != nil && len(cur.Chars) > 0 {
			out = append(out, *cur)
		}
		cur = nil
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case strings.HasPrefix(line, "##"):
			flush()
			guid, _, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "##")), "\t")
			cur = &NERExample{GUID: strings.TrimSpace(guid)}
		default:
			if cur == nil {
				cur = &NERExample{GUID: fmt.Sprintf("line-%d", lineNo)}
			}
			ch, tag, ok := strings.Cut(line, "\t")
			if !ok {
				return nil, fmt.Errorf("%s:%d: expected <char>\\t<tag>", path, lineNo)
			}
			idx, err := LabelIndex(NERLabels, tag)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
			if ch == "" {
				ch = " "
			}
			cur.Chars = append(cur.Chars, ch)
			cur.Tags = append(cur.Tags, idx)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	flush()
	return out, nil
}

// #endregion ner

// #region mrc
// MRCExample is a question over a context passage.
type MRCExample struct {
	GUID        string
	Context     string
	Question    string
	Answers     []string
	AnswerStart int // rune offset of the first answer, -1 when impossible
	Impossible  bool
}

// LoadMRC reads a SQuAD-style reading-comprehension file. Answer offsets in
// the file count characters, which for this corpus are runes.
func LoadMRC(path string) ([]MRCExample, error) {
	var raw struct {
		Data []struct {
			Paragraphs []struct {
				Context string `json:"context"`
				QAs     []struct {
					GUID         string `json:"guid"`
					Question     string `json:"question"`
					IsImpossible bool   `json:"is_impossible"`
					Answers      []struct {
						Text        string `json:"text"`
						AnswerStart int    `json:"answer_start"`
					} `json:"answers"`
				} `json:"qas"`
			} `json:"paragraphs"`
		} `json:"data"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	var out []MRCExample
	for _, d := range raw.Data {
		for _, p := range d.Paragraphs {
			for _, qa := range p.QAs {
				ex := MRCExample{
					GUID:        qa.GUID,
					Context:     p.Context,
					Question:    qa.Question,
					AnswerStart: -1,
					Impossible:  qa.IsImpossible || len(qa.Answers) == 0,
				}
				for _, a := range qa.Answers {
					ex.Answers = append(ex.Answers, a.Text)
				}
				if !ex.Impossible {
					ex.AnswerStart = qa.Answers[0].AnswerStart
				}
				out = append(out, ex)
			}
		}
	}
	return out, nil
}

// #endregion mrc

// #region wos
// WOSExample is the dialogue history up to a user turn and the belief state after it.
type WOSExample struct {
	GUID    string
	Turn    int
	Context string
	State   []string
}

// LoadWOS reads a dialogue file and emits one example per user turn.
func LoadWOS(path string) ([]WOSExample, error) {
	var raw []struct {
		GUID     string `json:"guid"`
		Dialogue []struct {
			Role  string   `json:"role"`
			Text  string   `json:"text"`
			State []string `json:"state"`
		} `json:"dialogue"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	var out []WOSExample
	for _, d := range raw {
		var history []string
		turn := 0
		for _, u := range d.Dialogue {
			history = append(history, u.Text)
			if u.Role != "user" {
				continue
			}
			out = append(out, WOSExample{
				GUID:    fmt.Sprintf("%s-%d", d.GUID, turn),
				Turn:    turn,
				Context: strings.Join(history, " "),
				State:   append([]string(nil), u.State...),
			})
			turn++
		}
	}
	return out, nil
}

// Ontology lists the candidate values of every domain-slot.
type Ontology struct {
	Slots  []string
	Values map[string][]string
}

// LoadOntology reads ontology.json. Slots are sorted; each slot's values
// gain "none" at index 0 for the unfilled state.
func LoadOntology(path string) (*Ontology, error) {
	var raw map[string][]string
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	o := &Ontology{Values: make(map[string][]string, len(raw))}
	for slot, vals := range raw {
		o.Slots = append(o.Slots, slot)
		o.Values[slot] = append([]string{"none"}, vals...)
	}
	sort.Strings(o.Slots)
	return o, nil
}

// #endregion wos

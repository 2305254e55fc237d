package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/stat"
)

// Scores are reported on a 0-100 scale like the KLUE leaderboard.
const scale = 100.0

// #region classification
// Accuracy is the fraction of exact label matches.
func Accuracy(preds, targets []int) (float64, error) {
	correct := 0
	for i := range preds {
		if preds[i] == targets[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(preds)) * scale, nil
}

// MacroF1 averages per-label F1 over every label seen in targets or predictions.
func MacroF1(preds, targets []int) (float64, error) {
	labels := labelUnion(preds, targets)
	var sum float64
	for _, l := range labels {
		sum += labelF1(preds, targets, l)
	}
	return sum / float64(len(labels)) * scale, nil
}

// MicroF1Excluding pools counts over every label except the excluded ones.
func MicroF1Excluding(preds, targets []int, exclude ...int) float64 {
	skip := make(map[int]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	var tp, fp, fn float64
	for i := range preds {
		p, t := preds[i], targets[i]
		if p == t {
			if !skip[p] {
				tp++
			}
			continue
		}
		if !skip[p] {
			fp++
		}
		if !skip[t] {
			fn++
		}
	}
	return f1(tp, fp, fn)
}

func labelUnion(preds, targets []int) []int {
	seen := make(map[int]bool)
	for _, v := range preds {
		seen[v] = true
	}
	for _, v := range targets {
		seen[v] = true
	}
	labels := make([]int, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	return labels
}

func labelF1(preds, targets []int, label int) float64 {
	var tp, fp, fn float64
	for i := range preds {
		switch {
		case preds[i] == label && targets[i] == label:
			tp++
		case preds[i] == label:
			fp++
		case targets[i] == label:
			fn++
		}
	}
	return f1(tp, fp, fn)
}

func f1(tp, fp, fn float64) float64 {
	if tp == 0 {
		return 0
	}
	precision := tp / (tp + fp)
	recall := tp / (tp + fn)
	return 2 * precision * recall / (precision + recall)
}

// #endregion classification

// #region similarity
// PearsonR is the Pearson correlation between predicted and gold similarity.
// Constant predictions or targets have no correlation and score NaN.
func PearsonR(preds, targets []float64) (float64, error) {
	if len(preds) < 2 {
		return 0, fmt.Errorf("pearson r: need at least 2 examples, got %d", len(preds))
	}
	r := stat.Correlation(preds, targets, nil)
	if math.IsNaN(r) {
		return math.NaN(), nil
	}
	return r * scale, nil
}

// BinaryF1At binarizes predictions and targets at threshold and scores the positive class.
func BinaryF1At(threshold float64) ScoreFunc[float64, float64] {
	return func(preds, targets []float64) (float64, error) {
		var tp, fp, fn float64
		for i := range preds {
			p := preds[i] >= threshold
			t := targets[i] >= threshold
			switch {
			case p && t:
				tp++
			case p:
				fp++
			case t:
				fn++
			}
		}
		return f1(tp, fp, fn) * scale, nil
	}
}

// #endregion similarity

// #region relation-extraction
// RelationMicroF1 scores argmax predictions over every relation except no_relation.
func RelationMicroF1(probs [][]float64, targets []int, labels []string) (float64, error) {
	noRel := indexOf(labels, "no_relation")
	if noRel < 0 {
		return 0, errors.New("relation micro f1: label list has no no_relation entry")
	}
	preds := make([]int, len(probs))
	for i, p := range probs {
		preds[i] = Argmax(p)
	}
	return MicroF1Excluding(preds, targets, noRel) * scale, nil
}

// RelationAUPRC averages one-vs-rest average precision over every relation class.
func RelationAUPRC(probs [][]float64, targets []int, labels []string) (float64, error) {
	if len(labels) == 0 {
		return 0, errors.New("relation auprc: empty label list")
	}
	var sum float64
	for c := range labels {
		scores := make([]float64, len(probs))
		positive := make([]bool, len(probs))
		for i, p := range probs {
			if c < len(p) {
				scores[i] = p[c]
			}
			positive[i] = targets[i] == c
		}
		sum += averagePrecision(scores, positive)
	}
	return sum / float64(len(labels)) * scale, nil
}

// averagePrecision integrates precision over recall steps, highest score first.
func averagePrecision(scores []float64, positive []bool) float64 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var total float64
	for _, p := range positive {
		if p {
			total++
		}
	}
	if total == 0 {
		return 0
	}
	var tp, seen, ap float64
	for _, i := range idx {
		seen++
		if positive[i] {
			tp++
			ap += tp / seen
		}
	}
	return ap / total
}

// Argmax returns the index of the largest value, first wins on ties.
func Argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func indexOf(labels []string, name string) int {
	for i, l := range labels {
		if l == name {
			return i
		}
	}
	return -1
}

// #endregion relation-extraction

// #region named-entity
type entity struct {
	kind       string
	start, end int
}

// EntityMacroF1 averages entity-level F1 per entity type over BIO tag sequences.
func EntityMacroF1(preds, targets [][]int, labels []string) (float64, error) {
	if len(labels) == 0 {
		return 0, errors.New("entity f1: empty label list")
	}
	counts := make(map[string]*[3]float64) // tp, fp, fn
	get := func(kind string) *[3]float64 {
		c, ok := counts[kind]
		if !ok {
			c = &[3]float64{}
			counts[kind] = c
		}
		return c
	}
	for i := range preds {
		gold := make(map[entity]bool)
		for _, e := range extractEntities(targets[i], labels) {
			gold[e] = true
			get(e.kind)
		}
		for _, e := range extractEntities(preds[i], labels) {
			if gold[e] {
				get(e.kind)[0]++
				delete(gold, e)
			} else {
				get(e.kind)[1]++
			}
		}
		for e := range gold {
			get(e.kind)[2]++
		}
	}
	if len(counts) == 0 {
		return 0, nil
	}
	var sum float64
	for _, c := range counts {
		sum += f1(c[0], c[1], c[2])
	}
	return sum / float64(len(counts)) * scale, nil
}

// extractEntities decodes BIO tags; a stray I- tag opens a new entity.
func extractEntities(tags []int, labels []string) []entity {
	var out []entity
	var cur *entity
	flush := func(end int) {
		if cur != nil {
			cur.end = end
			out = append(out, *cur)
			cur = nil
		}
	}
	for i, t := range tags {
		name := "O"
		if t >= 0 && t < len(labels) {
			name = labels[t]
		}
		prefix, kind, _ := strings.Cut(name, "-")
		switch {
		case prefix == "B":
			flush(i)
			cur = &entity{kind: kind, start: i}
		case prefix == "I" && cur != nil && cur.kind == kind:
		case prefix == "I":
			flush(i)
			cur = &entity{kind: kind, start: i}
		default:
			flush(i)
		}
	}
	flush(len(tags))
	return out
}

// CharacterMacroF1 is macro F1 over per-character tags, ignoring the O tag.
func CharacterMacroF1(preds, targets [][]int, labels []string) (float64, error) {
	outside := indexOf(labels, "O")
	flatPreds := concat(preds)
	flatTargets := concat(targets)
	if len(flatPreds) != len(flatTargets) {
		return 0, fmt.Errorf("%w: %d predicted tags, %d gold tags", ErrLengthMismatch, len(flatPreds), len(flatTargets))
	}
	var sum float64
	n := 0
	for l := range labels {
		if l == outside {
			continue
		}
		sum += labelF1(flatPreds, flatTargets, l)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n) * scale, nil
}

// #endregion named-entity

// #region reading-comprehension
// ExactMatch is the share of predictions equal to any gold answer after normalization.
func ExactMatch(preds []string, golds [][]string) (float64, error) {
	var sum float64
	for i, p := range preds {
		sum += bestOver(golds[i], func(g string) float64 {
			if normalizeAnswer(p) == normalizeAnswer(g) {
				return 1
			}
			return 0
		})
	}
	return sum / float64(len(preds)) * scale, nil
}

// RougeW is the character-level ROUGE-W F-measure with weighting exponent 1.2.
func RougeW(preds []string, golds [][]string) (float64, error) {
	var sum float64
	for i, p := range preds {
		sum += bestOver(golds[i], func(g string) float64 {
			return rougeW([]rune(normalizeAnswer(p)), []rune(normalizeAnswer(g)), 1.2)
		})
	}
	return sum / float64(len(preds)) * scale, nil
}

// bestOver takes the max over gold answers; an unanswerable question has the single gold "".
func bestOver(golds []string, score func(string) float64) float64 {
	if len(golds) == 0 {
		golds = []string{""}
	}
	best := 0.0
	for _, g := range golds {
		if s := score(g); s > best {
			best = s
		}
	}
	return best
}

func normalizeAnswer(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rougeW computes weighted LCS with f(k) = k^alpha.
func rougeW(pred, gold []rune, alpha float64) float64 {
	m, n := len(gold), len(pred)
	if m == 0 && n == 0 {
		return 1
	}
	if m == 0 || n == 0 {
		return 0
	}
	weight := func(k float64) float64 { return math.Pow(k, alpha) }
	inverse := func(x float64) float64 { return math.Pow(x, 1/alpha) }

	c := make([][]float64, m+1)
	w := make([][]float64, m+1)
	for i := range c {
		c[i] = make([]float64, n+1)
		w[i] = make([]float64, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if gold[i-1] == pred[j-1] {
				k := w[i-1][j-1]
				c[i][j] = c[i-1][j-1] + weight(k+1) - weight(k)
				w[i][j] = k + 1
			} else if c[i-1][j] > c[i][j-1] {
				c[i][j] = c[i-1][j]
			} else {
				c[i][j] = c[i][j-1]
			}
		}
	}
	wlcs := c[m][n]
	if wlcs == 0 {
		return 0
	}
	recall := inverse(wlcs / weight(float64(m)))
	precision := inverse(wlcs / weight(float64(n)))
	return 2 * recall * precision / (recall + precision)
}

// #endregion reading-comprehension

// #region dialogue-state
// JointGoalAccuracy is the share of turns whose whole predicted state equals the gold state.
func JointGoalAccuracy(preds, targets [][]string, slots []string) (float64, error) {
	known := slotSet(slots)
	var hit float64
	for i := range preds {
		if stateEqual(filterState(preds[i], known), filterState(targets[i], known)) {
			hit++
		}
	}
	return hit / float64(len(preds)) * scale, nil
}

// SlotMicroF1 pools slot-value matches over all turns.
func SlotMicroF1(preds, targets [][]string, slots []string) (float64, error) {
	known := slotSet(slots)
	var tp, fp, fn float64
	for i := range preds {
		gold := make(map[string]bool)
		for _, s := range filterState(targets[i], known) {
			gold[s] = true
		}
		for _, s := range filterState(preds[i], known) {
			if gold[s] {
				tp++
				delete(gold, s)
			} else {
				fp++
			}
		}
		fn += float64(len(gold))
	}
	if tp+fp+fn == 0 {
		return scale, nil
	}
	return f1(tp, fp, fn) * scale, nil
}

// slotSet returns nil when no slot list is known, which keeps every state item.
func slotSet(slots []string) map[string]bool {
	if len(slots) == 0 {
		return nil
	}
	m := make(map[string]bool, len(slots))
	for _, s := range slots {
		m[s] = true
	}
	return m
}

// filterState keeps "domain-slot-value" items whose domain-slot is known.
func filterState(state []string, known map[string]bool) []string {
	if known == nil {
		return state
	}
	out := make([]string, 0, len(state))
	for _, item := range state {
		if known[SlotOf(item)] {
			out = append(out, item)
		}
	}
	return out
}

// SlotOf returns the "domain-slot" part of a "domain-slot-value" state item.
func SlotOf(item string) string {
	parts := strings.SplitN(item, "-", 3)
	if len(parts) < 2 {
		return item
	}
	return parts[0] + "-" + parts[1]
}

func stateEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// #endregion dialogue-state

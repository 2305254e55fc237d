package task

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/chrisjihee/KLUE-baseline/internal/data"
	"github.com/chrisjihee/KLUE-baseline/internal/encoder"
	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// #region helpers
// setup writes files into a fresh data dir, parses args for the named task and
// runs Setup for command.
func setup(t *testing.T, name, command string, files map[string]string, args ...string) (Task, *Bundle) {
	t.Helper()
	dir := t.TempDir()
	for file, content := range files {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", file, err)
		}
	}
	tk, ok := Lookup(name)
	if !ok {
		t.Fatalf("task %s not registered", name)
	}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	tk.AddProcessorFlags(fs)
	tk.AddModelFlags(fs)
	if err := fs.Parse(append([]string{"--data_dir", dir, "--train_batch_size", "2", "--eval_batch_size", "2"}, args...)); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	b, err := tk.Setup(context.Background(), Env{Command: command, Encoder: encoder.NewHashEncoder(32), Seed: 1})
	if err != nil {
		t.Fatalf("setup %s: %v", name, err)
	}
	return tk, b
}

func newTrainer(t *testing.T) *trainer.Trainer {
	t.Helper()
	cfg := trainer.DefaultConfig()
	cfg.MaxEpochs = 2
	cfg.GradientClipVal = 1.0
	tr, err := trainer.New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	return tr
}

// fit trains the bundle and returns the metrics of a final validation pass.
func fit(t *testing.T, b *Bundle) *trainer.Metrics {
	t.Helper()
	tr := newTrainer(t)
	if err := tr.Fit(context.Background(), b.Model, b.Train, b.Val); err != nil {
		t.Fatalf("fit: %v", err)
	}
	m, err := tr.Test(context.Background(), b.Model, b.Val, trainer.TestOptions{Pass: "valid"})
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	return m
}

func evaluate(t *testing.T, b *Bundle, l trainer.Loader, pass string) *trainer.Metrics {
	t.Helper()
	m, err := newTrainer(t).Test(context.Background(), b.Model, l, trainer.TestOptions{Pass: pass})
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	return m
}

func requireKeys(t *testing.T, m *trainer.Metrics, keys ...string) {
	t.Helper()
	for _, k := range keys {
		if _, ok := m.Get(k); !ok {
			t.Fatalf("expected %s in %v", k, m.Keys())
		}
	}
}

// #endregion helpers

// #region registry
func TestNamesAndLookup(t *testing.T) {
	want := []string{"klue-mrc", "klue-ner", "klue-nli", "klue-re", "klue-sts", "wos", "ynat"}
	if got := Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if _, ok := Lookup("klue-dp"); ok {
		t.Fatal("expected unknown task to be missing")
	}
	a, _ := Lookup("ynat")
	b, _ := Lookup("ynat")
	if a == b {
		t.Fatal("expected a fresh task per lookup")
	}
}

func TestProcessorDefaults(t *testing.T) {
	tk, _ := Lookup("klue-ner")
	fs := pflag.NewFlagSet("ner", pflag.ContinueOnError)
	tk.AddProcessorFlags(fs)
	tk.AddModelFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v, _ := fs.GetString("train_file_name"); v != "klue-ner-v1.1_train.tsv" {
		t.Fatalf("unexpected train file name %q", v)
	}
	if v, _ := fs.GetString("data_dir"); v != filepath.Join("data", "klue_benchmark", "klue-ner-v1.1") {
		t.Fatalf("unexpected data dir %q", v)
	}
	if tk.ModelArgs().LearningRate != 1e-3 {
		t.Fatalf("unexpected learning rate %v", tk.ModelArgs().LearningRate)
	}
}

func TestLoadSplitsPerCommand(t *testing.T) {
	ynat := `[{"guid": "g0", "title": "경기 결과", "label": "스포츠"}]`
	files := map[string]string{"ynat-v1.1_dev.json": ynat, "ynat-v1.1_test.json": ynat}

	_, b := setup(t, "ynat", CommandEvaluate, files)
	if b.Train != nil || b.Test != nil || b.Val == nil || b.Val.Len() != 1 {
		t.Fatalf("evaluate should load only dev: %+v", b)
	}
	_, b = setup(t, "ynat", CommandTest, files)
	if b.Val != nil || b.Test == nil {
		t.Fatalf("test should load only test: %+v", b)
	}

	tk, _ := Lookup("ynat")
	fs := pflag.NewFlagSet("ynat", pflag.ContinueOnError)
	tk.AddProcessorFlags(fs)
	tk.AddModelFlags(fs)
	_ = fs.Parse([]string{"--data_dir", t.TempDir()})
	if _, err := tk.Setup(context.Background(), Env{Command: CommandTrain, Encoder: encoder.NewHashEncoder(8)}); err == nil {
		t.Fatal("expected missing train file error")
	}
}

// #endregion registry

// #region classification
const ynatTrain = `[
	{"guid": "y0", "title": "삼성전자 반도체 투자 확대", "label": "경제"},
	{"guid": "y1", "title": "프로야구 개막전 매진", "label": "스포츠"},
	{"guid": "y2", "title": "코스피 상승 마감", "label": "경제"},
	{"guid": "y3", "title": "축구 대표팀 승리", "label": "스포츠"},
	{"guid": "y4", "title": "환율 하락 전망", "label": "경제"},
	{"guid": "y5", "title": "농구 결승 진출", "label": "스포츠"}
]`

func TestYNATFitLogsMacroF1(t *testing.T) {
	_, b := setup(t, "ynat", CommandTrain, map[string]string{
		"ynat-v1.1_train.json": ynatTrain,
		"ynat-v1.1_dev.json":   ynatTrain,
	})
	m := fit(t, b)
	requireKeys(t, m, "valid-loss", "valid-macro_f1")
}

func TestUnlabeledTestPassKeepsPredictionsOnly(t *testing.T) {
	_, b := setup(t, "ynat", CommandTest, map[string]string{
		"ynat-v1.1_test.json": `[{"guid": "t0", "title": "제목 하나", "label": ""}, {"guid": "t1", "title": "제목 둘", "label": ""}]`,
	}, "--write_predictions")
	m := evaluate(t, b, b.Test, "test")
	if m.Len() != 0 {
		t.Fatalf("expected no metrics without labels, got %v", m.Keys())
	}
	preds := b.Model.Predictions()
	if len(preds) != 2 || preds[0].GUID != "t0" || preds[1].GUID != "t1" {
		t.Fatalf("unexpected predictions %+v", preds)
	}
	if _, ok := preds[0].Value.(string); !ok {
		t.Fatalf("expected label name, got %T", preds[0].Value)
	}
}

func TestPredictionsOffByDefault(t *testing.T) {
	_, b := setup(t, "ynat", CommandEvaluate, map[string]string{"ynat-v1.1_dev.json": ynatTrain})
	evaluate(t, b, b.Val, "valid")
	if b.Model.Predictions() != nil {
		t.Fatal("expected no retained predictions")
	}
}

func TestNLIFitLogsAccuracy(t *testing.T) {
	nli := `[
		{"guid": "n0", "premise": "나는 밥을 먹었다", "hypothesis": "나는 식사를 했다", "gold_label": "entailment"},
		{"guid": "n1", "premise": "비가 온다", "hypothesis": "날씨가 맑다", "gold_label": "contradiction"},
		{"guid": "n2", "premise": "그는 학생이다", "hypothesis": "그는 키가 크다", "gold_label": "neutral"}
	]`
	_, b := setup(t, "klue-nli", CommandTrain, map[string]string{
		"klue-nli-v1.1_train.json": nli,
		"klue-nli-v1.1_dev.json":   nli,
	})
	requireKeys(t, fit(t, b), "valid-loss", "valid-accuracy")
}

// #endregion classification

// #region similarity
const stsData = `[
	{"guid": "s0", "sentence1": "숙소 위치는 찾기 쉬웠어요", "sentence2": "숙소 위치를 찾기 쉬웠습니다", "labels": {"label": 4.8}},
	{"guid": "s1", "sentence1": "음식이 맛있었다", "sentence2": "방이 너무 좁았다", "labels": {"label": 0.2}},
	{"guid": "s2", "sentence1": "직원이 친절했다", "sentence2": "직원들이 친절했어요", "labels": {"label": 4.1}},
	{"guid": "s3", "sentence1": "교통이 편리하다", "sentence2": "날씨가 추웠다", "labels": {"label": 1.0}}
]`

func TestSTSFitLogsPearsonAndF1(t *testing.T) {
	_, b := setup(t, "klue-sts", CommandTrain, map[string]string{
		"klue-sts-v1.1_train.json": stsData,
		"klue-sts-v1.1_dev.json":   stsData,
	}, "--sts_threshold", "3.5")
	requireKeys(t, fit(t, b), "valid-loss", "valid-pearsonr", "valid-f1")
}

func TestSTSConstantLabelsScoreNaN(t *testing.T) {
	dev := `[
	{"guid": "d0", "sentence1": "방이 깨끗했다", "sentence2": "방이 청결했어요", "labels": {"label": 1.0}},
	{"guid": "d1", "sentence1": "조식이 맛있다", "sentence2": "주차가 불편했다", "labels": {"label": 1.0}}
]`
	_, b := setup(t, "klue-sts", CommandTrain, map[string]string{
		"klue-sts-v1.1_train.json": stsData,
		"klue-sts-v1.1_dev.json":   dev,
	})
	m := fit(t, b)
	requireKeys(t, m, "valid-loss", "valid-f1")
	if r, _ := m.Get("valid-pearsonr"); !math.IsNaN(r) {
		t.Fatalf("expected NaN pearson r for constant labels, got %f", r)
	}
}

func TestSTSSqueezeConcatenatesBatches(t *testing.T) {
	m := &SimilarityRegressor{outputs: []stsOutput{
		{logits: [][]float64{{1.5}, {2.5}}},
		{logits: [][]float64{{4}}},
	}}
	if got := m.squeeze(); !reflect.DeepEqual(got, []float64{1.5, 2.5, 4}) {
		t.Fatalf("unexpected squeeze %v", got)
	}
}

func TestSTSPredictionsAreScores(t *testing.T) {
	_, b := setup(t, "klue-sts", CommandEvaluate, map[string]string{"klue-sts-v1.1_dev.json": stsData}, "--write_predictions")
	evaluate(t, b, b.Val, "valid")
	preds := b.Model.Predictions()
	if len(preds) != 4 {
		t.Fatalf("expected 4 predictions, got %d", len(preds))
	}
	if _, ok := preds[0].Value.(float64); !ok {
		t.Fatalf("expected float score, got %T", preds[0].Value)
	}
}

// #endregion similarity

// #region relation
func TestMarkEntities(t *testing.T) {
	got := markEntities("비틀즈의 조지 해리슨이 쓰고",
		data.Entity{Word: "비틀즈", Start: 0, End: 2},
		data.Entity{Word: "조지 해리슨", Start: 5, End: 10})
	want := "<subj>비틀즈</subj>의 <obj>조지 해리슨</obj>이 쓰고"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got = markEntities("가나", data.Entity{Start: 1, End: 1}, data.Entity{Start: 0, End: 9})
	if got != "가<subj>나</subj>" {
		t.Fatalf("expected out-of-range object to be skipped, got %q", got)
	}
}

func TestREEvaluateLogsMicroF1AndAUPRC(t *testing.T) {
	re := `[
		{"guid": "r0", "sentence": "비틀즈의 조지 해리슨", "subject_entity": {"word": "비틀즈", "start_idx": 0, "end_idx": 2, "type": "ORG"},
		 "object_entity": {"word": "조지 해리슨", "start_idx": 5, "end_idx": 10, "type": "PER"}, "label": "org:members"},
		{"guid": "r1", "sentence": "서울에서 태어난 김철수", "subject_entity": {"word": "김철수", "start_idx": 9, "end_idx": 11, "type": "PER"},
		 "object_entity": {"word": "서울", "start_idx": 0, "end_idx": 1, "type": "LOC"}, "label": "per:place_of_birth"},
		{"guid": "r2", "sentence": "사과와 바나나", "subject_entity": {"word": "사과", "start_idx": 0, "end_idx": 1, "type": "POH"},
		 "object_entity": {"word": "바나나", "start_idx": 4, "end_idx": 6, "type": "POH"}, "label": "no_relation"}
	]`
	_, b := setup(t, "klue-re", CommandEvaluate, map[string]string{"klue-re-v1.1_dev.json": re}, "--write_predictions")
	m := evaluate(t, b, b.Val, "valid")
	requireKeys(t, m, "valid-loss", "valid-micro_f1", "valid-auprc")
	for _, p := range b.Model.Predictions() {
		if _, err := data.LabelIndex(data.RELabels, p.Value.(string)); err != nil {
			t.Fatalf("prediction is not a relation label: %v", err)
		}
	}
}

// #endregion relation

// #region ner
const nerData = "## n0\t<한국:LC> 방문\n한\tB-LC\n국\tI-LC\n \tO\n방\tO\n문\tO\n\n" +
	"## n1\t<오늘:DT>\n오\tB-DT\n늘\tI-DT\n\n"

func TestNERFitLogsEntityAndCharacterF1(t *testing.T) {
	_, b := setup(t, "klue-ner", CommandTrain, map[string]string{
		"klue-ner-v1.1_train.tsv": nerData,
		"klue-ner-v1.1_dev.tsv":   nerData,
	})
	requireKeys(t, fit(t, b), "valid-loss", "valid-entity_macro_f1", "valid-character_macro_f1")
}

func TestNERTruncatedCharactersPredictOutside(t *testing.T) {
	_, b := setup(t, "klue-ner", CommandEvaluate, map[string]string{"klue-ner-v1.1_dev.tsv": nerData},
		"--max_seq_length", "2", "--write_predictions")
	evaluate(t, b, b.Val, "valid")
	preds := b.Model.Predictions()
	if len(preds) != 2 {
		t.Fatalf("expected 2 sentences, got %d", len(preds))
	}
	tags := preds[0].Value.([]string)
	if len(tags) != 5 {
		t.Fatalf("expected a tag per character, got %v", tags)
	}
	for _, tag := range tags[2:] {
		if tag != "O" {
			t.Fatalf("expected O past max_seq_length, got %v", tags)
		}
	}
}

func TestAlignRows(t *testing.T) {
	rows := [][]float64{{0}, {1}, {2}, {3}}
	got := alignRows(rows, []string{"a", "bc", "d", "e"})
	if !reflect.DeepEqual(got, [][]float64{{0}, {1}, {3}}) {
		t.Fatalf("unexpected alignment %v", got)
	}
}

// #endregion ner

// #region mrc
const mrcData = `{"version": "v1.1", "data": [{"title": "t", "paragraphs": [{
	"context": "서울은 대한민국의 수도이다.",
	"qas": [
		{"guid": "q0", "question": "대한민국의 수도는?", "is_impossible": false, "answers": [{"text": "서울", "answer_start": 0}]},
		{"guid": "q1", "question": "무엇의 수도인가?", "is_impossible": false, "answers": [{"text": "대한민국", "answer_start": 4}]},
		{"guid": "q2", "question": "일본의 수도는?", "is_impossible": true, "answers": []}
	]
}]}]}`

func TestAnswerPositions(t *testing.T) {
	e := data.MRCExample{Answers: []string{"대한민국"}, AnswerStart: 4}
	if s, end := answerPositions(e, 15); s != 5 || end != 8 {
		t.Fatalf("expected (5, 8), got (%d, %d)", s, end)
	}
	if s, end := answerPositions(e, 6); s != 0 || end != 0 {
		t.Fatalf("expected truncated answer to be null, got (%d, %d)", s, end)
	}
	if s, end := answerPositions(data.MRCExample{Impossible: true, AnswerStart: -1}, 10); s != 0 || end != 0 {
		t.Fatalf("expected impossible answer to be null, got (%d, %d)", s, end)
	}
}

func TestDecodeSpan(t *testing.T) {
	start := []float64{0, 5, 0, 0}
	end := []float64{0, 0, 0, 5}
	if s, e := decodeSpan(start, end, 30); s != 1 || e != 3 {
		t.Fatalf("expected (1, 3), got (%d, %d)", s, e)
	}
	if s, e := decodeSpan(start, end, 2); s != 1 || e != 1 {
		t.Fatalf("expected length cap to pick (1, 1), got (%d, %d)", s, e)
	}
	start[0], end[0] = 10, 10
	if s, e := decodeSpan(start, end, 30); s != 0 || e != 0 {
		t.Fatalf("expected null answer, got (%d, %d)", s, e)
	}
}

func TestMRCFitLogsExactMatchAndRougeW(t *testing.T) {
	_, b := setup(t, "klue-mrc", CommandTrain, map[string]string{
		"klue-mrc-v1.1_train.json": mrcData,
		"klue-mrc-v1.1_dev.json":   mrcData,
	}, "--write_predictions")
	requireKeys(t, fit(t, b), "valid-loss", "valid-exact_match", "valid-rouge_w")
	for _, p := range b.Model.Predictions() {
		answer := p.Value.(string)
		if !strings.Contains("서울은 대한민국의 수도이다.", answer) {
			t.Fatalf("answer %q is not a context span", answer)
		}
	}
}

// #endregion mrc

// #region wos
const wosData = `[{"guid": "d0", "dialogue": [
	{"role": "user", "text": "서울 중앙에 있는 박물관을 찾아주세요", "state": ["관광-종류-박물관", "관광-지역-서울 중앙"]},
	{"role": "sys", "text": "네 알겠습니다."},
	{"role": "user", "text": "공원도 알려주세요", "state": ["관광-종류-공원"]}
]}]`

const ontologyData = `{"관광-종류": ["박물관", "공원"], "관광-지역": ["서울 중앙", "서울 북쪽"]}`

func TestStateTargets(t *testing.T) {
	o := &data.Ontology{
		Slots:  []string{"관광-종류", "관광-지역"},
		Values: map[string][]string{"관광-종류": {"none", "박물관", "공원"}, "관광-지역": {"none", "서울 중앙"}},
	}
	got := stateTargets(o, []string{"관광-지역-서울 중앙", "관광-종류-미술관", "식당-가격대-저렴"})
	if !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("unexpected targets %v", got)
	}
}

func TestWOSFitLogsJointGoalAccuracy(t *testing.T) {
	_, b := setup(t, "wos", CommandTrain, map[string]string{
		"wos-v1.1_train.json": wosData,
		"wos-v1.1_dev.json":   wosData,
		"ontology.json":       ontologyData,
	}, "--write_predictions")
	requireKeys(t, fit(t, b), "valid-loss", "valid-joint_goal_acc", "valid-slot_micro_f1")
	for _, p := range b.Model.Predictions() {
		for _, item := range p.Value.([]string) {
			if !strings.HasPrefix(item, "관광-") {
				t.Fatalf("unexpected state item %q", item)
			}
		}
	}
}

func TestWOSMissingOntology(t *testing.T) {
	tk, _ := Lookup("wos")
	fs := pflag.NewFlagSet("wos", pflag.ContinueOnError)
	tk.AddProcessorFlags(fs)
	tk.AddModelFlags(fs)
	_ = fs.Parse([]string{"--data_dir", t.TempDir()})
	_, err := tk.Setup(context.Background(), Env{Command: CommandEvaluate, Encoder: encoder.NewHashEncoder(8)})
	if err == nil || !strings.Contains(err.Error(), "ontology") {
		t.Fatalf("expected ontology error, got %v", err)
	}
}

// #endregion wos

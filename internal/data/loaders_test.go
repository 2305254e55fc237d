package data

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYNAT(t *testing.T) {
	path := writeFile(t, "ynat.json", `[
		{"guid": "ynat-v1_train_00000", "title": "유튜브 내달 2일까지 크리에이터 지원 공간 운영", "label": "생활문화"},
		{"guid": "ynat-v1_test_00000", "title": "제목", "label": ""}
	]`)
	got, err := LoadYNAT(path)
	if err != nil {
		t.Fatalf("LoadYNAT: %v", err)
	}
	if len(got) != 2 || got[0].Label != 3 || got[1].Label != Unlabeled {
		t.Fatalf("unexpected examples %+v", got)
	}
}

func TestLoadYNAT_UnknownLabel(t *testing.T) {
	path := writeFile(t, "ynat.json", `[{"guid": "g", "title": "t", "label": "연예"}]`)
	if _, err := LoadYNAT(path); err == nil {
		t.Fatal("expected unknown label error")
	}
}

func TestLoadNLIAndSTS(t *testing.T) {
	nli := writeFile(t, "nli.json", `[{"guid": "n1", "premise": "p", "hypothesis": "h", "gold_label": "contradiction"}]`)
	pairs, err := LoadNLI(nli)
	if err != nil || len(pairs) != 1 || pairs[0].Label != 2 {
		t.Fatalf("LoadNLI: %+v %v", pairs, err)
	}

	sts := writeFile(t, "sts.json", `[{"guid": "s1", "sentence1": "a", "sentence2": "b", "labels": {"label": 3.7, "binary-label": 1}}]`)
	sims, err := LoadSTS(sts)
	if err != nil || len(sims) != 1 || sims[0].Score != 3.7 || !sims[0].Labeled {
		t.Fatalf("LoadSTS: %+v %v", sims, err)
	}
}

func TestLoadRE(t *testing.T) {
	path := writeFile(t, "re.json", `[{
		"guid": "klue-re-v1_train_00000",
		"sentence": "비틀즈의 조지 해리슨이 쓰고",
		"subject_entity": {"word": "비틀즈", "start_idx": 0, "end_idx": 2, "type": "ORG"},
		"object_entity": {"word": "조지 해리슨", "start_idx": 5, "end_idx": 10, "type": "PER"},
		"label": "org:members"
	}]`)
	got, err := LoadRE(path)
	if err != nil {
		t.Fatalf("LoadRE: %v", err)
	}
	if got[0].Label != 6 || got[0].Object.Word != "조지 해리슨" || got[0].Subject.End != 2 {
		t.Fatalf("unexpected example %+v", got[0])
	}
	if len(RELabels) != 30 || RELabels[0] != "no_relation" {
		t.Fatal("unexpected relation label set")
	}
}

func TestLoadNER(t *testing.T) {
	path := writeFile(t, "ner.tsv", "## klue-ner-v1_dev_00000\t<한국:LC> 방문\n한\tB-LC\n국\tI-LC\n\tO\n방\tO\n문\tO\n\n## klue-ner-v1_dev_00001\t오늘\n오\tB-DT\n늘\tI-DT\n")
	got, err := LoadNER(path)
	if err != nil {
		t.Fatalf("LoadNER: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sentences, got %d", len(got))
	}
	if got[0].GUID != "klue-ner-v1_dev_00000" || got[0].Text() != "한국 방문" {
		t.Fatalf("unexpected first sentence %+v", got[0])
	}
	if got[0].Tags[0] != 2 || got[0].Tags[1] != 3 || got[0].Tags[2] != len(NERLabels)-1 {
		t.Fatalf("unexpected tags %v", got[0].Tags)
	}
	if got[1].Tags[0] != 0 {
		t.Fatalf("expected B-DT, got %v", got[1].Tags)
	}
}

func TestLoadNER_BadLine(t *testing.T) {
	path := writeFile(t, "ner.tsv", "## g\n한 B-LC\n")
	if _, err := LoadNER(path); err == nil {
		t.Fatal("expected malformed line error")
	}
}

func TestLoadMRC(t *testing.T) {
	path := writeFile(t, "mrc.json", `{"version": "v1.1", "data": [{"title": "t", "paragraphs": [{
		"context": "서울은 대한민국의 수도이다.",
		"qas": [
			{"guid": "q1", "question": "대한민국의 수도는?", "is_impossible": false, "answers": [{"text": "서울", "answer_start": 0}]},
			{"guid": "q2", "question": "일본의 수도는?", "is_impossible": true, "answers": []}
		]
	}]}]}`)
	got, err := LoadMRC(path)
	if err != nil {
		t.Fatalf("LoadMRC: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(got))
	}
	if got[0].AnswerStart != 0 || got[0].Answers[0] != "서울" || got[0].Impossible {
		t.Fatalf("unexpected answerable %+v", got[0])
	}
	if !got[1].Impossible || got[1].AnswerStart != -1 {
		t.Fatalf("unexpected impossible %+v", got[1])
	}
}

func TestLoadWOSAndOntology(t *testing.T) {
	dialogues := writeFile(t, "wos.json", `[{"guid": "wos-v1_train_00000", "domains": ["관광"], "dialogue": [
		{"role": "user", "text": "서울 중앙에 있는 박물관을 찾아주세요", "state": ["관광-종류-박물관", "관광-지역-서울 중앙"]},
		{"role": "sys", "text": "안녕하세요."},
		{"role": "user", "text": "좋아요", "state": ["관광-종류-박물관"]}
	]}]`)
	got, err := LoadWOS(dialogues)
	if err != nil {
		t.Fatalf("LoadWOS: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected one example per user turn, got %d", len(got))
	}
	if got[1].GUID != "wos-v1_train_00000-1" || len(got[1].State) != 1 {
		t.Fatalf("unexpected second turn %+v", got[1])
	}
	if got[1].Context != "서울 중앙에 있는 박물관을 찾아주세요 안녕하세요. 좋아요" {
		t.Fatalf("unexpected context %q", got[1].Context)
	}

	onto := writeFile(t, "ontology.json", `{"관광-지역": ["서울 중앙", "dontcare"], "관광-종류": ["박물관"]}`)
	o, err := LoadOntology(onto)
	if err != nil {
		t.Fatalf("LoadOntology: %v", err)
	}
	if len(o.Slots) != 2 || o.Slots[0] != "관광-종류" {
		t.Fatalf("unexpected slots %v", o.Slots)
	}
	if v := o.Values["관광-지역"]; len(v) != 3 || v[0] != "none" {
		t.Fatalf("expected none prepended, got %v", v)
	}
}

func TestReadJSON_Errors(t *testing.T) {
	if _, err := LoadYNAT(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := writeFile(t, "bad.json", "{not valid json}")
	if _, err := LoadNLI(bad); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

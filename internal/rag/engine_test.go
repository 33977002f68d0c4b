package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abhishekj44/genai-test/internal/db"
	"github.com/abhishekj44/genai-test/internal/models"
	"go.uber.org/zap"
)

// fakeEstimator counts whitespace-separated words against a fixed limit, so
// tests control token budgets without a real tokenizer.
type fakeEstimator struct {
	limit int
}

func (f *fakeEstimator) EstimateTokenCount(text, model string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (f *fakeEstimator) FitsWithinLimit(text, model string) (bool, error) {
	count, _ := f.EstimateTokenCount(text, model)
	return float64(count) < float64(f.limit)*0.9, nil
}

// charEstimator treats every character as one token, making chunk counts easy
// to force.
type charEstimator struct {
	limit int
}

func (c *charEstimator) EstimateTokenCount(text, model string) (int, error) {
	return len(text), nil
}

func (c *charEstimator) FitsWithinLimit(text, model string) (bool, error) {
	return float64(len(text)) < float64(c.limit)*0.9, nil
}

type fakeCompletion struct {
	responses []string
	failAfter int // fail on call number failAfter (1-based); 0 disables
	err       error
	calls     [][]models.ChatMessage
}

func (f *fakeCompletion) CreateCompletion(ctx context.Context, messages []models.ChatMessage) (*models.Completion, error) {
	f.calls = append(f.calls, messages)
	if f.failAfter > 0 && len(f.calls) >= f.failAfter {
		return nil, f.err
	}
	content := "answer"
	if len(f.responses) > 0 {
		content = f.responses[(len(f.calls)-1)%len(f.responses)]
	}
	return &models.Completion{
		Content: content,
		Model:   "gpt-35-turbo",
		Usage:   models.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

func (f *fakeCompletion) Model() string { return "gpt-35-turbo" }

type fakeRetriever struct {
	err   error
	calls int
}

func (f *fakeRetriever) Query(ctx context.Context, text string, where map[string]any) (*models.RetrievalResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.RetrievalResult{
		IDs:       [][]string{{fmt.Sprintf("chunk-%d", f.calls)}},
		Documents: [][]string{{"Payment is due within 30 days."}},
		Metadatas: [][]map[string]any{{{"filename": "contract.pdf", "page_number": 4}}},
		Distances: [][]float64{{0.12}},
	}, nil
}

func newTestEngine(t *testing.T, completion CompletionClient, retr ContextRetriever, est Estimator) (*Engine, *db.Store) {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "rag.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	engine := NewEngine(store, retr, completion, est, Config{
		PromptTemplate: "Answer using this context:\n%s",
		ExperimentID:   "v1",
	}, zap.NewNop())

	if err := store.CreateUser("u1"); err != nil {
		t.Fatal(err)
	}
	if err := engine.ChangeUser("u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.CreateInstance(""); err != nil {
		t.Fatal(err)
	}
	return engine, store
}

func TestQueryRequiresActiveInstance(t *testing.T) {
	store, err := db.New(filepath.Join(t.TempDir(), "rag.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	engine := NewEngine(store, &fakeRetriever{}, &fakeCompletion{}, &fakeEstimator{limit: 1000}, Config{PromptTemplate: "%s"}, zap.NewNop())
	if _, _, err := engine.Query(context.Background(), "hello", "", nil, false); !errors.Is(err, ErrNoActiveInstance) {
		t.Fatalf("expected ErrNoActiveInstance, got %v", err)
	}
}

// First turn retrieves and persists three messages; a follow-up without
// forced retrieval adds exactly two.
func TestQueryScenario(t *testing.T) {
	completion := &fakeCompletion{}
	retr := &fakeRetriever{}
	engine, store := newTestEngine(t, completion, retr, &fakeEstimator{limit: 100000})

	_, retrieved, err := engine.Query(context.Background(), "What are payment terms?", "", nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if retrieved == nil {
		t.Fatal("first turn must retrieve")
	}

	loaded, err := store.LoadInstance(engine.Instance().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 3 {
		t.Fatalf("expected 3 messages after first turn, got %d", len(loaded.Messages))
	}
	roles := []string{loaded.Messages[0].Role, loaded.Messages[1].Role, loaded.Messages[2].Role}
	if roles[0] != models.RoleSystem || roles[1] != models.RoleUser || roles[2] != models.RoleAssistant {
		t.Fatalf("unexpected roles: %v", roles)
	}
	if loaded.Messages[1].Content != "What are payment terms?" {
		t.Fatalf("unexpected user message: %q", loaded.Messages[1].Content)
	}
	if loaded.Messages[2].Context == nil || loaded.Messages[2].Usage == nil {
		t.Fatal("assistant message must carry context and usage")
	}

	_, retrieved, err = engine.Query(context.Background(), "And the duration?", "", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if retrieved != nil {
		t.Fatal("follow-up without forced retrieval must not retrieve")
	}

	loaded, err = store.LoadInstance(engine.Instance().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 5 {
		t.Fatalf("expected 5 messages after follow-up, got %d", len(loaded.Messages))
	}
}

// A failed completion call leaves the persisted conversation exactly as it
// was before the call.
func TestQueryRollbackOnCompletionFailure(t *testing.T) {
	completion := &fakeCompletion{failAfter: 1, err: errors.New("service unavailable")}
	engine, store := newTestEngine(t, completion, &fakeRetriever{}, &fakeEstimator{limit: 100000})

	_, _, err := engine.Query(context.Background(), "What are payment terms?", "", nil, true)
	if err == nil {
		t.Fatal("expected completion failure to propagate")
	}
	var completionErr *CompletionError
	if !errors.As(err, &completionErr) {
		t.Fatalf("completion failures must be typed, got %v", err)
	}
	if !errors.Is(err, completion.err) {
		t.Fatalf("underlying service error must stay reachable, got %v", err)
	}

	loaded, err := store.LoadInstance(engine.Instance().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 0 {
		t.Fatalf("expected rollback to empty history, got %d messages", len(loaded.Messages))
	}
	if len(engine.Instance().Messages) != 0 {
		t.Fatal("in-memory history must also be rolled back")
	}
}

func TestRetrievalFailureIsNotCompletionError(t *testing.T) {
	retr := &fakeRetriever{err: errors.New("index unreachable")}
	engine, _ := newTestEngine(t, &fakeCompletion{}, retr, &fakeEstimator{limit: 100000})

	_, _, err := engine.Query(context.Background(), "What are payment terms?", "", nil, true)
	if err == nil {
		t.Fatal("expected retrieval failure to propagate")
	}
	var completionErr *CompletionError
	if errors.As(err, &completionErr) {
		t.Fatalf("retrieval failures must not be typed as completion errors, got %v", err)
	}
}

func TestQueryRollbackKeepsPriorHistory(t *testing.T) {
	completion := &fakeCompletion{failAfter: 2, err: errors.New("boom")}
	engine, store := newTestEngine(t, completion, &fakeRetriever{}, &fakeEstimator{limit: 100000})

	if _, _, err := engine.Query(context.Background(), "first question", "", nil, true); err != nil {
		t.Fatal(err)
	}
	before, err := store.LoadInstance(engine.Instance().ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := engine.Query(context.Background(), "second question", "", nil, false); err == nil {
		t.Fatal("expected failure on second turn")
	}

	after, err := store.LoadInstance(engine.Instance().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Messages) != len(before.Messages) {
		t.Fatalf("history changed across failed call: %d != %d", len(after.Messages), len(before.Messages))
	}
	for i := range after.Messages {
		if after.Messages[i].Content != before.Messages[i].Content {
			t.Fatalf("message %d changed across failed call", i)
		}
	}
}

func TestSplitChunksReconstructs(t *testing.T) {
	content := strings.Repeat("x", 995) + "ABCDE"
	chunks := splitChunks(content, 10)
	if len(chunks) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(chunks))
	}
	for i, c := range chunks[:9] {
		if len(c) != 100 {
			t.Fatalf("chunk %d has length %d, want 100", i, len(c))
		}
	}
	if strings.Join(chunks, "") != content {
		t.Fatal("chunks must reconstruct the original content")
	}

	uneven := strings.Repeat("y", 1003)
	chunks = splitChunks(uneven, 4)
	if len(chunks) != 4 || strings.Join(chunks, "") != uneven {
		t.Fatalf("uneven split lost content: %d chunks", len(chunks))
	}
	if len(chunks[3]) != 253 {
		t.Fatalf("last chunk must absorb the remainder, got length %d", len(chunks[3]))
	}
}

// An attachment too large for one call is split, answered per chunk, and the
// combined answer is what gets persisted.
func TestQueryOversizedAttachment(t *testing.T) {
	completion := &fakeCompletion{responses: []string{"part-1", "part-2", "part-3", "combined"}}
	retr := &fakeRetriever{}
	// gpt-35-turbo is registered with a 16385-token limit; 40000 characters
	// at one token per character forces a 3-chunk split.
	engine, store := newTestEngine(t, completion, retr, &charEstimator{limit: 16385})

	fileContent := strings.Repeat("z", 40000)
	final, merged, err := engine.Query(context.Background(), "Summarise the contract", fileContent, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if final.Content != "combined" {
		t.Fatalf("expected the combining call's answer, got %q", final.Content)
	}
	// Three chunk calls plus the combining call.
	if len(completion.calls) != 4 {
		t.Fatalf("expected 4 completion calls, got %d", len(completion.calls))
	}
	if retr.calls != 3 {
		t.Fatalf("expected one retrieval per chunk, got %d", retr.calls)
	}
	if merged == nil || len(merged.Documents) != 3 {
		t.Fatalf("expected 3 accumulated retrieval batches, got %+v", merged)
	}

	loaded, err := store.LoadInstance(engine.Instance().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 3 {
		t.Fatalf("expected 3 persisted messages, got %d", len(loaded.Messages))
	}
	if loaded.Messages[0].Role != models.RoleSystem {
		t.Fatal("first persisted message must be the combined context")
	}
	if !strings.HasSuffix(loaded.Messages[1].Content, fileContent) {
		t.Fatal("user message must carry the full unchunked attachment")
	}
	if loaded.Messages[2].Content != "combined" {
		t.Fatalf("assistant message must be the combined answer, got %q", loaded.Messages[2].Content)
	}
}

func TestQueryOversizedAttachmentFailurePersistsNothing(t *testing.T) {
	completion := &fakeCompletion{failAfter: 2, err: errors.New("boom")}
	engine, store := newTestEngine(t, completion, &fakeRetriever{}, &charEstimator{limit: 16385})

	_, _, err := engine.Query(context.Background(), "Summarise", strings.Repeat("z", 40000), nil, true)
	if err == nil {
		t.Fatal("expected chunk completion failure to propagate")
	}
	loaded, err := store.LoadInstance(engine.Instance().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 0 {
		t.Fatalf("nothing should be persisted before the combine step, got %d messages", len(loaded.Messages))
	}
}

// The completion call receives the maximal contiguous history suffix that
// still fits under 90% of the model limit.
func TestQueryHistoryTruncation(t *testing.T) {
	completion := &fakeCompletion{}
	est := &fakeEstimator{limit: 16385}
	engine, store := newTestEngine(t, completion, &fakeRetriever{}, est)

	big := strings.TrimSpace(strings.Repeat("w ", 6000))
	for _, role := range []string{models.RoleSystem, models.RoleUser, models.RoleAssistant} {
		if err := store.AppendMessage(engine.Instance(), models.Message{Role: role, Content: big}); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := engine.Query(context.Background(), "short follow up", "", nil, false); err != nil {
		t.Fatal(err)
	}

	call := completion.calls[0]
	// 6000+6000+3 words fit under 14746; adding the oldest 6000-word message
	// does not, so the call must carry the last two big messages plus the
	// new user message.
	if len(call) != 3 {
		t.Fatalf("expected a 3-message suffix, got %d", len(call))
	}
	if call[0].Content != big || call[1].Content != big {
		t.Fatal("suffix must keep the two most recent large messages")
	}
	if call[2].Content != "short follow up" {
		t.Fatalf("newest message missing from the call: %q", call[2].Content)
	}
}

func TestQueryNewestMessageAlwaysSent(t *testing.T) {
	completion := &fakeCompletion{}
	// Limit so small nothing "fits"; the newest message must be sent anyway.
	engine, _ := newTestEngine(t, completion, &fakeRetriever{}, &fakeEstimator{limit: 1})

	if _, _, err := engine.Query(context.Background(), "hello there world", "", nil, false); err != nil {
		t.Fatal(err)
	}
	call := completion.calls[0]
	if len(call) != 1 || call[0].Content != "hello there world" {
		t.Fatalf("expected only the newest message, got %+v", call)
	}
}

// Small attachments ride along in the user message instead of being chunked.
func TestQuerySmallAttachmentInlined(t *testing.T) {
	completion := &fakeCompletion{}
	engine, store := newTestEngine(t, completion, &fakeRetriever{}, &fakeEstimator{limit: 100000})

	// Seed one turn so the follow-up does not trigger first-turn retrieval.
	if err := store.AppendMessage(engine.Instance(), models.Message{Role: models.RoleUser, Content: "earlier question"}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := engine.Query(context.Background(), "What does this clause mean?", "clause text", nil, false); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.LoadInstance(engine.Instance().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(loaded.Messages))
	}
	want := "What does this clause mean?" + attachedDocumentPrefix + "clause text"
	if loaded.Messages[1].Content != want {
		t.Fatalf("unexpected user message: %q", loaded.Messages[1].Content)
	}
}

func TestChangeInstanceAuthorization(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCompletion{}, &fakeRetriever{}, &fakeEstimator{limit: 1000})
	owned := engine.Instance()

	if err := store.CreateUser("u2"); err != nil {
		t.Fatal(err)
	}
	if err := engine.ChangeUser("u2"); err != nil {
		t.Fatal(err)
	}
	if engine.Instance() != nil {
		t.Fatal("changing user must clear the active instance")
	}
	if err := engine.ChangeInstance(owned.ID); !errors.Is(err, ErrUnauthorizedInstance) {
		t.Fatalf("expected ErrUnauthorizedInstance, got %v", err)
	}

	if _, err := engine.ShareInstanceWithUser("u2", owned.ID); err != nil {
		t.Fatal(err)
	}
	if err := engine.ChangeInstance(owned.ID); err != nil {
		t.Fatal(err)
	}
	if !engine.Instance().Shared {
		t.Fatal("instance reached via sharing must be flagged shared")
	}
}

func TestSummarizeChunked(t *testing.T) {
	completion := &fakeCompletion{responses: []string{"s1", "s2", "s3", "full summary"}}
	engine, _ := newTestEngine(t, completion, &fakeRetriever{}, &charEstimator{limit: 16385})

	summary, err := engine.Summarize(context.Background(), strings.Repeat("z", 40000), "")
	if err != nil {
		t.Fatal(err)
	}
	if summary != "full summary" {
		t.Fatalf("expected combined summary, got %q", summary)
	}
	if len(completion.calls) != 4 {
		t.Fatalf("expected 4 completion calls, got %d", len(completion.calls))
	}
	for i, call := range completion.calls[:3] {
		if !strings.HasPrefix(call[0].Content, "You will recieve a chunk of a document.") {
			t.Fatalf("chunk call %d must use the per-chunk prompt, got %q", i, call[0].Content)
		}
		if !strings.HasSuffix(call[0].Content, DefaultSummaryPrompt) {
			t.Fatalf("chunk call %d must keep the task prompt, got %q", i, call[0].Content)
		}
	}
	combine := completion.calls[3]
	if !strings.HasPrefix(combine[0].Content, "The following texts were generated") {
		t.Fatalf("combine call must use the recombination prompt, got %q", combine[0].Content)
	}
	if combine[1].Content != "s1\n\ns2\n\ns3" {
		t.Fatalf("partial summaries must be joined with blank lines, got %q", combine[1].Content)
	}
}

package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/config"
	"github.com/dermaflow/dermaflow/internal/events"
	"github.com/dermaflow/dermaflow/internal/schema"
	"github.com/dermaflow/dermaflow/internal/tools"
)

// stageInitial is the audit key of the holistic first-look vision call. It is
// a direct tool call, not a graph stage, but its raw output is audited like
// one.
const stageInitial = "initial_assessment"

// primarySearchResults and secondarySearchResults bound the two PubMed calls
// a run is allowed.
const (
	primarySearchResults   = 5
	secondarySearchResults = 3
)

var pmidRe = regexp.MustCompile(`PMID:\s*(\d+)`)

// RunInput is everything one pipeline run needs. Feedback is the doctor's
// rejection note from the review loop; it reaches exactly one stage, the
// synthesis instruction, and arrives here as an explicit parameter.
type RunInput struct {
	SessionID   string
	PatientText string
	ImagePath   string
	Profile     *agents.PatientProfile
	Feedback    string
	RunCount    int
}

// RunResult is the terminal outcome of one run. Final is nil when the run
// failed to produce a structured report even after recovery; FailedTasks then
// lists every stage that produced no output.
type RunResult struct {
	Records     map[string]audit.TaskRecord
	VisionRaw   map[string]string
	Final       *schema.FinalDiagnosis
	FailedTasks []string
}

// Runner executes the diagnostic task graph for one session at a time.
type Runner struct {
	registry Backends
	invoker  *Invoker
	pubmed   *tools.PubMedClient
	bus      *events.Bus
}

// NewRunner wires a runner over its collaborators.
func NewRunner(cfg config.PipelineConfig, registry Backends, pubmed *tools.PubMedClient, bus *events.Bus) *Runner {
	return &Runner{
		registry: registry,
		invoker:  NewInvoker(registry).WithCallTimeout(cfg.CallTimeout.Duration()),
		pubmed:   pubmed,
		bus:      bus,
	}
}

// runState accumulates everything a run produces as stages execute.
type runState struct {
	in            RunInput
	observations  map[string]string // raw vision text per lesion stage
	lesionSummary string
	anchor        string // holistic first-look vision assessment, verbatim
	searchResults string
	confirmed     string // debate-resolver winner; authoritative when set
	results       map[string]*TaskResult
	records       map[string]audit.TaskRecord
}

// Run executes the full diagnostic graph: vision pre-pass, the staged
// orchestrator graph with its explicit tool phases, and a recovery pass when
// the terminal stages fail. Stage failures degrade the run; only context
// cancellation aborts it.
func (r *Runner) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	slog.Info("pipeline run starting",
		"session", in.SessionID, "run", in.RunCount, "has_image", in.ImagePath != "")
	r.publish(in.SessionID, events.RunStartedPayload{
		RunCount: in.RunCount, HasImage: in.ImagePath != "",
	})

	// The PubMed budget is per run, not per session.
	r.pubmed.ResetCallCount()

	st := &runState{
		in:           in,
		observations: map[string]string{},
		results:      map[string]*TaskResult{},
		records:      map[string]audit.TaskRecord{},
	}

	if in.ImagePath != "" {
		r.visionPrePass(ctx, st)
	}

	graph, err := NewGraph(r.stageNodes(in.ImagePath != ""))
	if err != nil {
		return nil, err
	}

	for _, id := range graph.Order() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.executeStage(ctx, st, graph, id)
	}

	if needsRecovery(st) {
		r.recoveryPass(ctx, st)
	}

	result := &RunResult{
		Records:   st.records,
		VisionRaw: st.observations,
		Final:     finalFrom(st),
	}
	for _, id := range graph.Order() {
		rec := st.records[id]
		if strings.TrimSpace(rec.Raw) == "" && rec.Structured == nil {
			result.FailedTasks = append(result.FailedTasks, id)
		}
	}

	slog.Info("pipeline run finished",
		"session", in.SessionID, "run", in.RunCount,
		"failed_tasks", len(result.FailedTasks), "has_final", result.Final != nil)
	return result, ctx.Err()
}

// stageNodes declares the run's topology. The debate resolver only exists
// when there is an image to re-examine.
func (r *Runner) stageNodes(hasImage bool) []Node {
	nodes := []Node{
		{ID: agents.StageBiodata},
		{ID: agents.StageDecomposition, Deps: []string{agents.StageBiodata}},
		{ID: "research_queries", Deps: []string{agents.StageBiodata, agents.StageDecomposition}},
		{ID: agents.StageResearch, Deps: []string{"research_queries"}},
	}

	diffDeps := []string{agents.StageBiodata, agents.StageDecomposition, agents.StageResearch}
	mimicDeps := []string{agents.StageDifferential, agents.StageResearch}
	if hasImage {
		for _, dim := range agents.LesionDimensions {
			nodes = append(nodes, Node{ID: dim.Stage, Deps: []string{agents.StageBiodata}})
			diffDeps = append(diffDeps, dim.Stage)
			mimicDeps = append(mimicDeps, dim.Stage)
		}
	}

	nodes = append(nodes,
		Node{ID: agents.StageDifferential, Deps: diffDeps},
		Node{ID: agents.StageMimic, Deps: mimicDeps},
	)

	synthDeps := []string{
		agents.StageBiodata, agents.StageDecomposition, agents.StageResearch,
		agents.StageDifferential, agents.StageMimic,
	}
	if hasImage {
		nodes = append(nodes, Node{ID: agents.StageDebate, Deps: []string{agents.StageDifferential, agents.StageMimic}})
		synthDeps = append(synthDeps, agents.StageDebate)
	}

	nodes = append(nodes,
		Node{ID: agents.StageTreatment, Deps: []string{
			agents.StageBiodata, agents.StageResearch, agents.StageDifferential, agents.StageMimic,
		}},
		Node{ID: agents.StageSynthesis, Deps: synthDeps},
		Node{ID: agents.StageScribe, Deps: []string{agents.StageSynthesis, agents.StageTreatment, agents.StageResearch}},
	)
	return nodes
}

// executeStage runs one stage: the explicit tool phases (PubMed search, image
// debate) happen here, in the open, before or instead of the model call.
func (r *Runner) executeStage(ctx context.Context, st *runState, graph *Graph, id string) {
	switch id {
	case agents.StageResearch:
		st.searchResults = r.runSearches(ctx, st)
	case agents.StageDebate:
		r.runDebate(ctx, st)
		return
	}

	spec, ok := r.buildSpec(st, id)
	if !ok {
		return
	}

	contexts := r.contextsFor(st, graph.Deps(id))
	res, err := r.invoker.Invoke(ctx, spec, contexts)
	if err != nil {
		slog.Error("stage failed", "stage", id, "error", err)
		st.records[id] = audit.TaskRecord{Status: audit.StatusMissing, Err: err.Error()}
		return
	}

	st.results[id] = res
	st.records[id] = audit.TaskRecord{
		Structured: res.Structured, Raw: res.Raw, Status: res.Status, Err: res.Err,
	}
	r.publish(st.in.SessionID, events.TaskDonePayload{
		Agent: spec.Role, Summary: events.Summarize(res.Raw),
	})
}

// buildSpec constructs the stage's task spec from the state accumulated so
// far. A false return means the stage has nothing to do this run.
func (r *Runner) buildSpec(st *runState, id string) (agents.TaskSpec, bool) {
	switch id {
	case agents.StageBiodata:
		return agents.BiodataSpec(st.in.Profile), true
	case agents.StageDecomposition:
		return agents.DecompositionSpec(st.in.PatientText), true
	case "research_queries":
		return agents.ResearchQuerySpec(st.lesionSummary), true
	case agents.StageResearch:
		return agents.ResearchSpec(st.searchResults), true
	case agents.StageDifferential:
		return agents.DifferentialSpec(st.anchor), true
	case agents.StageMimic:
		return agents.MimicSpec(st.anchor), true
	case agents.StageTreatment:
		return agents.TreatmentSpec(), true
	case agents.StageSynthesis:
		return agents.SynthesisSpec(agents.SynthesisInput{
			LesionSummary:      st.lesionSummary,
			ConfirmedDiagnosis: st.confirmed,
			Anchor:             st.anchor,
			Feedback:           st.in.Feedback,
		}), true
	case agents.StageScribe:
		return agents.ScribeSpec(), true
	}

	for _, dim := range agents.LesionDimensions {
		if dim.Stage == id {
			obs := st.observations[id]
			if strings.TrimSpace(obs) == "" {
				// The probe produced nothing; there is no observation to finalise.
				st.records[id] = audit.TaskRecord{Status: audit.StatusMissing, Err: "no vision observation"}
				return agents.TaskSpec{}, false
			}
			return agents.LesionSpec(dim, obs), true
		}
	}
	return agents.TaskSpec{}, false
}

// contextsFor renders the outputs of completed dependencies. Failed
// dependencies are omitted entirely, never passed as placeholders.
func (r *Runner) contextsFor(st *runState, deps []string) []string {
	var out []string
	for _, dep := range deps {
		if text := ContextText(st.results[dep]); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// visionPrePass performs the direct image tool calls: the holistic first-look
// assessment, then the five dimension probes concurrently. Probe failures are
// independent; one dead dimension never blocks the others.
func (r *Runner) visionPrePass(ctx context.Context, st *runState) {
	vision, err := r.registry.Vision(ctx)
	if err != nil {
		slog.Error("vision backend unavailable, continuing text-only", "error", err)
		return
	}

	raw, err := tools.AnalyzeImage(ctx, vision, st.in.ImagePath, agents.InitialAssessmentPrompt(st.in.PatientText))
	switch {
	case err != nil:
		slog.Warn("initial visual assessment failed", "error", err)
		st.records[stageInitial] = audit.TaskRecord{Status: audit.StatusMissing, Err: err.Error()}
	case strings.HasPrefix(raw, "ERROR:"):
		slog.Warn("initial visual assessment rejected image", "detail", raw)
		st.records[stageInitial] = audit.TaskRecord{Raw: raw, Status: audit.StatusDefaulted, Err: raw}
	default:
		st.anchor = strings.TrimSpace(raw)
		rec := audit.TaskRecord{Raw: raw, Status: audit.StatusDirect}
		if assessment, derr := schema.Decode[schema.InitialVisionAssessment](raw); derr == nil {
			rec.Structured = assessment
		}
		st.records[stageInitial] = rec
		r.publish(st.in.SessionID, events.TaskDonePayload{
			Agent: "Initial Visual Assessment", Summary: events.Summarize(raw),
		})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, dim := range agents.LesionDimensions {
		wg.Add(1)
		go func(dim agents.LesionDimension) {
			defer wg.Done()
			obs, err := tools.AnalyzeImage(ctx, vision, st.in.ImagePath, dim.Probe)
			if err != nil {
				slog.Warn("vision probe failed", "stage", dim.Stage, "error", err)
				return
			}
			if strings.HasPrefix(obs, "ERROR:") {
				slog.Warn("vision probe rejected image", "stage", dim.Stage, "detail", obs)
				return
			}
			mu.Lock()
			st.observations[dim.Stage] = obs
			mu.Unlock()
		}(dim)
	}
	wg.Wait()

	st.lesionSummary = agents.BuildLesionSummary(st.observations)
}

// runSearches is the pipeline-side tool phase of the two-phase research
// stage: the proposed queries are executed here, directly, and the results
// handed back to the research agent as its own retrieval.
func (r *Runner) runSearches(ctx context.Context, st *runState) string {
	qres := st.results["research_queries"]
	queries, _ := resultAs[schema.SearchQueries](qres)
	if queries == nil || strings.TrimSpace(queries.PrimarySearchQuery) == "" {
		return "ERROR: No search queries were produced. Proceed without literature support " +
			"and note the gap in research_notes."
	}

	first := r.pubmed.Search(ctx, queries.PrimarySearchQuery, primarySearchResults, nil)
	out := first

	if secondary := strings.TrimSpace(queries.SecondarySearchQuery); secondary != "" {
		var seen []string
		for _, m := range pmidRe.FindAllStringSubmatch(first, -1) {
			seen = append(seen, m[1])
		}
		out += "\n\n" + r.pubmed.Search(ctx, secondary, secondarySearchResults, seen)
	}
	return out
}

// runDebate arbitrates the text-side candidates by direct image
// re-examination. When anything goes wrong the differential's primary stands,
// recorded as a defaulted resolution rather than a failure.
func (r *Runner) runDebate(ctx context.Context, st *runState) {
	diff, _ := resultAs[schema.DifferentialDiagnosis](st.results[agents.StageDifferential])
	if diff == nil || strings.TrimSpace(diff.PrimaryDiagnosis) == "" {
		return
	}

	primary := diff.PrimaryDiagnosis
	if mimic, _ := resultAs[schema.MimicResolution](st.results[agents.StageMimic]); mimic != nil {
		if c := strings.TrimSpace(mimic.PrimaryDiagnosisConfirmed); c != "" {
			primary = c
		}
	}
	var candidates []string
	for _, d := range diff.Differentials {
		if c := strings.TrimSpace(d.Condition); c != "" {
			candidates = append(candidates, c)
		}
	}

	fallback := func(raw, reason string) {
		st.confirmed = primary
		st.records[agents.StageDebate] = audit.TaskRecord{
			Structured: &schema.DebateResolution{
				ConfirmedDiagnosis:   primary,
				VisualReasoning:      "Debate resolution unavailable; differential primary stands.",
				CandidatesConsidered: append([]string{primary}, candidates...),
			},
			Raw: raw, Status: audit.StatusDefaulted, Err: reason,
		}
	}

	vision, err := r.registry.Vision(ctx)
	if err != nil {
		fallback("", err.Error())
		return
	}
	raw, err := tools.AnalyzeImage(ctx, vision, st.in.ImagePath, agents.DebatePrompt(primary, candidates))
	if err != nil {
		fallback("", err.Error())
		return
	}
	if strings.HasPrefix(raw, "ERROR:") {
		fallback(raw, raw)
		return
	}

	resolution, derr := schema.Decode[schema.DebateResolution](raw)
	if derr != nil || strings.TrimSpace(resolution.ConfirmedDiagnosis) == "" {
		reason := "unparseable debate output"
		if derr != nil {
			reason = derr.Error()
		}
		fallback(raw, reason)
		return
	}

	st.confirmed = resolution.ConfirmedDiagnosis
	st.records[agents.StageDebate] = audit.TaskRecord{
		Structured: resolution, Raw: raw, Status: audit.StatusDirect,
	}
	r.publish(st.in.SessionID, events.TaskDonePayload{
		Agent: "Visual Debate Resolver", Summary: events.Summarize(raw),
	})
}

// needsRecovery reports whether the terminal stages failed to produce
// structured output.
func needsRecovery(st *runState) bool {
	synth := st.records[agents.StageSynthesis]
	scribe := st.records[agents.StageScribe]
	return synth.Structured == nil || scribe.Structured == nil
}

// recoveryPass reruns only the two terminal stages over the context that
// actually succeeded. The treatment output is deliberately left out: a
// salvage diagnosis must not lean on a plan derived from stages that may
// themselves have failed.
func (r *Runner) recoveryPass(ctx context.Context, st *runState) {
	slog.Warn("terminal stages incomplete, running recovery pass", "session", st.in.SessionID)

	synthSpec := agents.SynthesisSpec(agents.SynthesisInput{
		LesionSummary:      st.lesionSummary,
		ConfirmedDiagnosis: st.confirmed,
		Anchor:             st.anchor,
		Feedback:           st.in.Feedback,
	})
	synthCtx := r.contextsFor(st, []string{
		agents.StageBiodata, agents.StageDecomposition, agents.StageResearch,
		agents.StageDifferential, agents.StageMimic,
	})
	if res, err := r.invoker.Invoke(ctx, synthSpec, synthCtx); err == nil && res.Structured != nil {
		st.results[agents.StageSynthesis] = res
		st.records[agents.StageSynthesis] = audit.TaskRecord{
			Structured: res.Structured, Raw: res.Raw, Status: audit.StatusRecovered, Err: res.Err,
		}
	} else if err != nil {
		slog.Error("recovery synthesis failed", "error", err)
	}

	if st.records[agents.StageSynthesis].Structured == nil {
		return
	}

	scribeCtx := r.contextsFor(st, []string{agents.StageSynthesis, agents.StageResearch})
	if res, err := r.invoker.Invoke(ctx, agents.ScribeSpec(), scribeCtx); err == nil && res.Structured != nil {
		st.results[agents.StageScribe] = res
		st.records[agents.StageScribe] = audit.TaskRecord{
			Structured: res.Structured, Raw: res.Raw, Status: audit.StatusRecovered, Err: res.Err,
		}
	} else if err != nil {
		slog.Error("recovery scribe failed", "error", err)
	}
}

// finalFrom extracts the structured final report, if any.
func finalFrom(st *runState) *schema.FinalDiagnosis {
	final, _ := st.records[agents.StageScribe].Structured.(*schema.FinalDiagnosis)
	return final
}

// resultAs extracts a typed structured output from a task result.
func resultAs[T any](r *TaskResult) (*T, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.Structured.(*T)
	return v, ok
}

func (r *Runner) publish(sessionID string, payload events.EventPayload) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewTypedEventWithSession(events.SourcePipeline, payload, sessionID))
}

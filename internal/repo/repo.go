package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"specline/internal/config"
	"specline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- executions ---

const executionCols = `id,project_id,problem_statement,state,COALESCE(current_phase,''),cancel_requested,
COALESCE(last_error_kind,''),COALESCE(last_error_phase,''),COALESCE(last_error_message,''),state_updated_at,created_at`

func scanExecution(scan func(...any) error) (domain.Execution, error) {
	var e domain.Execution
	var cancel int
	err := scan(&e.ID, &e.ProjectID, &e.ProblemStatement, &e.State, &e.CurrentPhase, &cancel,
		&e.LastErrorKind, &e.LastErrorPhase, &e.LastErrorMessage, &e.StateUpdatedAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.CancelRequested = cancel != 0
	return e, err
}

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(id,project_id,problem_statement,state,current_phase,cancel_requested,state_updated_at,created_at)
VALUES (?,?,?,?,?,0,?,?)`,
		e.ID, e.ProjectID, e.ProblemStatement, e.State, nullable(e.CurrentPhase), e.StateUpdatedAt, e.CreatedAt)
	return err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

type ExecutionFilters struct {
	ProjectID string
	State     string
	Limit     int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionCols + ` FROM executions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) SetExecutionStateTx(ctx context.Context, tx *sql.Tx, id, state, currentPhase, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET state=?, current_phase=?, state_updated_at=? WHERE id=?`,
		state, nullable(currentPhase), ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCancelRequestedTx(ctx context.Context, tx *sql.Tx, id string, requested bool) error {
	v := 0
	if requested {
		v = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE executions SET cancel_requested=? WHERE id=?`, v, id)
	return err
}

func (r Repo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM executions WHERE id=?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return v != 0, err
}

func (r Repo) SetLastErrorTx(ctx context.Context, tx *sql.Tx, id, kind, phase, message string) error {
	_, err := tx.ExecContext(ctx, `UPDATE executions SET last_error_kind=?, last_error_phase=?, last_error_message=? WHERE id=?`,
		nullable(kind), nullable(phase), nullable(message), id)
	return err
}

// --- execution history ---

func (r Repo) LastHistorySeqTx(ctx context.Context, tx *sql.Tx, executionID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM execution_history WHERE execution_id=?`, executionID).Scan(&seq)
	return seq, err
}

func (r Repo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO execution_history(execution_id,seq,state,ts,metadata_json) VALUES (?,?,?,?,?)`,
		t.ExecutionID, t.Seq, t.State, t.TS, nullableStringPtr(t.MetadataJSON))
	return err
}

func (r Repo) ListHistory(ctx context.Context, executionID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT execution_id,seq,state,ts,metadata_json FROM execution_history WHERE execution_id=? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var meta sql.NullString
		if err := rows.Scan(&t.ExecutionID, &t.Seq, &t.State, &t.TS, &meta); err != nil {
			return nil, err
		}
		if meta.Valid {
			t.MetadataJSON = &meta.String
		}
		res = append(res, t)
	}
	return res, nil
}

// --- deliverables ---

const deliverableCols = `execution_id,phase,agent_task,item_type,item_id,parent_ref,raw_content,structured_json,parsed,parse_error,created_at,updated_at`

func scanDeliverable(scan func(...any) error) (domain.Deliverable, error) {
	var d domain.Deliverable
	var parent, structured, parseErr sql.NullString
	var parsed int
	err := scan(&d.ExecutionID, &d.Phase, &d.AgentTask, &d.ItemType, &d.ItemID, &parent,
		&d.RawContent, &structured, &parsed, &parseErr, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if parent.Valid {
		d.ParentRef = &parent.String
	}
	if structured.Valid {
		d.StructuredJSON = &structured.String
	}
	if parseErr.Valid {
		d.ParseError = &parseErr.String
	}
	d.Parsed = parsed != 0
	return d, nil
}

// UpsertDeliverableTx writes the raw record of a produced item. A second
// write with the same (execution_id, item_type, item_id) supersedes the
// first and resets parse state, so a retried invocation never duplicates.
func (r Repo) UpsertDeliverableTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(execution_id,phase,agent_task,item_type,item_id,parent_ref,raw_content,parsed,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,0,?,?)
ON CONFLICT(execution_id,item_type,item_id) DO UPDATE SET
phase=excluded.phase, agent_task=excluded.agent_task, parent_ref=excluded.parent_ref,
raw_content=excluded.raw_content, structured_json=NULL, parsed=0, parse_error=NULL, updated_at=excluded.updated_at`,
		d.ExecutionID, d.Phase, d.AgentTask, d.ItemType, d.ItemID, nullableStringPtr(d.ParentRef),
		d.RawContent, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) MarkDeliverableParsedTx(ctx context.Context, tx *sql.Tx, executionID, itemType, itemID, structuredJSON, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET structured_json=?, parsed=1, parse_error=NULL, updated_at=? WHERE execution_id=? AND item_type=? AND item_id=?`,
		structuredJSON, ts, executionID, itemType, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkDeliverableParseFailedTx(ctx context.Context, tx *sql.Tx, executionID, itemType, itemID, parseError, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET structured_json=NULL, parsed=0, parse_error=?, updated_at=? WHERE execution_id=? AND item_type=? AND item_id=?`,
		parseError, ts, executionID, itemType, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDeliverable(ctx context.Context, executionID, itemType, itemID string) (domain.Deliverable, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deliverableCols+` FROM deliverables WHERE execution_id=? AND item_type=? AND item_id=?`,
		executionID, itemType, itemID)
	return scanDeliverable(row.Scan)
}

type DeliverableFilters struct {
	ExecutionID string
	Phase       string
	ItemType    string
	ParentRef   string
}

func (r Repo) ListDeliverables(ctx context.Context, f DeliverableFilters) ([]domain.Deliverable, error) {
	clauses := []string{"execution_id=?"}
	args := []any{f.ExecutionID}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.ItemType != "" {
		clauses = append(clauses, "item_type=?")
		args = append(args, f.ItemType)
	}
	if f.ParentRef != "" {
		clauses = append(clauses, "parent_ref=?")
		args = append(args, f.ParentRef)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	// Length before value keeps ordinal ids numeric past the pad width:
	// usecase-1000 sorts after usecase-999, not before it.
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliverableCols+` FROM deliverables `+where+` ORDER BY item_type ASC, LENGTH(item_id) ASC, item_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

func (r Repo) CountDeliverables(ctx context.Context, executionID, itemType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM deliverables WHERE execution_id=? AND item_type=?`, executionID, itemType).Scan(&n)
	return n, err
}

// --- coverage reports ---

func (r Repo) InsertCoverageReportTx(ctx context.Context, tx *sql.Tx, rep domain.CoverageReport) error {
	dims, err := json.Marshal(rep.DimensionScore)
	if err != nil {
		return err
	}
	gaps, err := json.Marshal(rep.Gaps)
	if err != nil {
		return err
	}
	accepted := 0
	if rep.Accepted {
		accepted = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO coverage_reports(execution_id,iteration,score,dimensions_json,gaps_json,accepted,created_at) VALUES (?,?,?,?,?,?,?)`,
		rep.ExecutionID, rep.Iteration, rep.Score, string(dims), string(gaps), accepted, rep.CreatedAt)
	return err
}

// MaxCoverageIteration returns the highest recorded iteration for an
// execution, zero when none exist. Re-entered loops continue numbering
// from here so report rows stay unique across revise and retry passes.
func (r Repo) MaxCoverageIteration(ctx context.Context, executionID string) (int, error) {
	var max int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(iteration),0) FROM coverage_reports WHERE execution_id=?`, executionID).Scan(&max)
	return max, err
}

func (r Repo) ListCoverageReports(ctx context.Context, executionID string) ([]domain.CoverageReport, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT execution_id,iteration,score,dimensions_json,gaps_json,accepted,created_at FROM coverage_reports WHERE execution_id=? ORDER BY iteration ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CoverageReport
	for rows.Next() {
		var rep domain.CoverageReport
		var dims, gaps string
		var accepted int
		if err := rows.Scan(&rep.ExecutionID, &rep.Iteration, &rep.Score, &dims, &gaps, &accepted, &rep.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dims), &rep.DimensionScore); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(gaps), &rep.Gaps); err != nil {
			return nil, err
		}
		rep.Accepted = accepted != 0
		res = append(res, rep)
	}
	return res, nil
}

func (r Repo) LatestCoverageReport(ctx context.Context, executionID string) (domain.CoverageReport, error) {
	reports, err := r.ListCoverageReports(ctx, executionID)
	if err != nil {
		return domain.CoverageReport{}, err
	}
	if len(reports) == 0 {
		return domain.CoverageReport{}, ErrNotFound
	}
	return reports[len(reports)-1], nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, executionID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if executionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, executionID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,execution_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID, executionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if executionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, executionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,execution_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, executionID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &executionID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if executionID.Valid {
			e.ExecutionID = executionID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountExecutionsByState(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM executions WHERE project_id=? GROUP BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

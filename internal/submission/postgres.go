package submission

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

var psql = goqu.Dialect("postgres")

// PostgresRepository implements Repository against the platform's relational
// store. The web application owns the schema; the scheduler only touches the
// narrow field sets below.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Submission, error) {
	sql, args, err := psql.From("submissions").
		Select("id", "owner_id", "owner_username", "assignment_id", "assignment_name",
			"commit_hash", "repo_url", "token", "state", "processed", "last_updated", "pipeline_log").
		Where(goqu.Ex{"id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	s := &Submission{}
	row := r.db.QueryRow(ctx, sql, args...)
	err = row.Scan(&s.ID, &s.OwnerID, &s.OwnerUsername, &s.AssignmentID, &s.AssignmentName,
		&s.CommitHash, &s.RepoURL, &s.Token, &s.State, &s.Processed, &s.LastUpdated, &s.PipelineLog)
	if err == pgx.ErrNoRows {
		return nil, &ErrSubmissionNotFound{SubmissionId: id}
	} else if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := r.loadTestNames(ctx, s); err != nil {
		return nil, err
	}
	if err := r.loadSubRecords(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) SetState(ctx context.Context, id string, state string, processed *bool) error {
	record := goqu.Record{"state": state, "last_updated": now()}
	if processed != nil {
		record["processed"] = *processed
	}
	return r.updateSubmission(ctx, id, record)
}

func (r *PostgresRepository) SetPipelineLog(ctx context.Context, id string, log string) error {
	return r.updateSubmission(ctx, id, goqu.Record{
		"pipeline_log": TruncatePipelineLog(log),
		"last_updated": now(),
	})
}

func (r *PostgresRepository) SetBuildResult(ctx context.Context, id string, stdout string, passed bool) error {
	sql, args, err := psql.Update("submission_builds").
		Set(goqu.Record{"stdout": stdout, "passed": passed}).
		Where(goqu.Ex{"submission_id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrSubmissionNotFound{SubmissionId: id}
	}
	return r.touch(ctx, id)
}

func (r *PostgresRepository) SetTestResult(ctx context.Context, id string, testName string, passed bool, message string, stdout string) error {
	sql, args, err := psql.Update("submission_tests").
		Set(goqu.Record{"passed": passed, "message": message, "stdout": stdout}).
		Where(goqu.Ex{"submission_id": id, "name": testName}).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrUnknownTest{SubmissionId: id, TestName: testName}
	}
	return r.touch(ctx, id)
}

func (r *PostgresRepository) InitializeSubRecords(ctx context.Context, id string) error {
	s, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	sql, args, err := psql.Insert("submission_builds").
		Rows(goqu.Record{"submission_id": id, "stdout": ""}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return errors.WithStack(err)
	}

	for _, name := range s.TestNames {
		sql, args, err := psql.Insert("submission_tests").
			Rows(goqu.Record{"submission_id": id, "name": name, "message": "", "stdout": ""}).
			OnConflict(goqu.DoNothing()).
			Prepared(true).ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := r.db.Exec(ctx, sql, args...); err != nil {
			return errors.WithStack(err)
		}
	}
	return r.touch(ctx, id)
}

func (r *PostgresRepository) ResetForRegrade(ctx context.Context, id string) error {
	sql, args, err := psql.Update("submission_builds").
		Set(goqu.Record{"stdout": "", "passed": nil}).
		Where(goqu.Ex{"submission_id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return errors.WithStack(err)
	}

	sql, args, err = psql.Update("submission_tests").
		Set(goqu.Record{"passed": nil, "message": "", "stdout": ""}).
		Where(goqu.Ex{"submission_id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return errors.WithStack(err)
	}

	return r.updateSubmission(ctx, id, goqu.Record{
		"state":        StateRegrading,
		"processed":    false,
		"last_updated": now(),
	})
}

func (r *PostgresRepository) FindStale(ctx context.Context, cutoff time.Time, excludeStates []string) ([]*Submission, error) {
	query := psql.From("submissions").
		Select("id").
		Where(
			goqu.Ex{"processed": false},
			goqu.C("last_updated").Lt(cutoff),
		)
	if len(excludeStates) > 0 {
		query = query.Where(goqu.C("state").NotIn(excludeStates))
	}
	return r.querySubmissions(ctx, query)
}

func (r *PostgresRepository) FindUnlaunched(ctx context.Context) ([]*Submission, error) {
	query := psql.From("submissions").
		Select(goqu.I("submissions.id")).
		LeftJoin(goqu.T("submission_builds"),
			goqu.On(goqu.Ex{"submission_builds.submission_id": goqu.I("submissions.id")})).
		Where(goqu.I("submission_builds.submission_id").IsNull())
	return r.querySubmissions(ctx, query)
}

func (r *PostgresRepository) querySubmissions(ctx context.Context, query *goqu.SelectDataset) ([]*Submission, error) {
	sql, args, err := query.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	submissions := make([]*Submission, 0, len(ids))
	for _, id := range ids {
		s, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, s)
	}
	return submissions, nil
}

func (r *PostgresRepository) loadTestNames(ctx context.Context, s *Submission) error {
	sql, args, err := psql.From("assignment_tests").
		Select("name").
		Where(goqu.Ex{"assignment_id": s.AssignmentID}).
		Order(goqu.C("name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.WithStack(err)
		}
		s.TestNames = append(s.TestNames, name)
	}
	return errors.WithStack(rows.Err())
}

func (r *PostgresRepository) loadSubRecords(ctx context.Context, s *Submission) error {
	sql, args, err := psql.From("submission_builds").
		Select("stdout", "passed").
		Where(goqu.Ex{"submission_id": s.ID}).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	build := &BuildResult{}
	err = r.db.QueryRow(ctx, sql, args...).Scan(&build.Stdout, &build.Passed)
	if err == nil {
		s.Build = build
	} else if err != pgx.ErrNoRows {
		return errors.WithStack(err)
	}

	sql, args, err = psql.From("submission_tests").
		Select("name", "passed", "message", "stdout").
		Where(goqu.Ex{"submission_id": s.ID}).
		Order(goqu.C("name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		test := &TestResult{}
		if err := rows.Scan(&test.Name, &test.Passed, &test.Message, &test.Stdout); err != nil {
			return errors.WithStack(err)
		}
		s.Tests = append(s.Tests, test)
	}
	return errors.WithStack(rows.Err())
}

func (r *PostgresRepository) updateSubmission(ctx context.Context, id string, record goqu.Record) error {
	sql, args, err := psql.Update("submissions").
		Set(record).
		Where(goqu.Ex{"id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrSubmissionNotFound{SubmissionId: id}
	}
	return nil
}

func (r *PostgresRepository) touch(ctx context.Context, id string) error {
	return r.updateSubmission(ctx, id, goqu.Record{"last_updated": now()})
}

func now() time.Time {
	return time.Now().UTC()
}

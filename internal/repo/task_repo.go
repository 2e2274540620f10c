package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

const taskColumns = `id, kind, payload, attempt, max_attempts, status,
	visibility_deadline, error, created_at, updated_at, finished_at`

// TaskRepo — durable-очередь задач.
//
// Выдача задачи — один UPDATE над строкой, выбранной с
// FOR UPDATE SKIP LOCKED: конкурентные воркеры не получают одну задачу
// и не блокируют друг друга.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Enqueue сохраняет новую задачу в статусе pending.
func (r *TaskRepo) Enqueue(ctx context.Context, kind string, payload []byte, maxAttempts int) (uuid.UUID, error) {
	task := domain.NewTask(kind, payload, maxAttempts)

	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, payload, attempt, max_attempts, status,
		                   visibility_deadline, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $7)
	`,
		task.ID,
		task.Kind,
		task.Payload,
		task.MaxAttempts,
		task.Status,
		task.VisibilityDeadline,
		task.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert task: %w", err)
	}
	return task.ID, nil
}

// Get возвращает задачу по ID.
func (r *TaskRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// Dequeue выдаёт одну видимую задачу на visibility.
//
// Видимы pending и failed задачи с наступившим deadline, а также running
// с истёкшим deadline (воркер пропал или завис). Attempt увеличивается.
// Пустая очередь — (nil, nil).
func (r *TaskRepo) Dequeue(ctx context.Context, visibility time.Duration) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'running',
		    attempt = attempt + 1,
		    visibility_deadline = now() + make_interval(secs => $1),
		    updated_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status IN ('pending', 'failed', 'running')
			  AND visibility_deadline <= now()
			ORDER BY visibility_deadline, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskColumns,
		visibility.Seconds(),
	)

	task, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	return task, nil
}

// Ack фиксирует успешное выполнение.
func (r *TaskRepo) Ack(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	if err := r.finish(ctx, task, domain.TaskStatusSucceeded, "", now, &now); err != nil {
		return err
	}
	task.MarkSucceeded(now)
	return nil
}

// Nack возвращает задачу в очередь; она станет видимой через retryAfter.
func (r *TaskRepo) Nack(ctx context.Context, task *domain.Task, cause error, retryAfter time.Duration) error {
	now := time.Now().UTC()
	msg := errorText(cause)

	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed', error = $3,
		    visibility_deadline = $4, updated_at = $5
		WHERE id = $1 AND attempt = $2 AND status = 'running'
	`, task.ID, task.Attempt, nullString(msg), now.Add(retryAfter), now)
	if err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleDelivery
	}
	task.MarkFailed(now, msg, retryAfter)
	return nil
}

// DeadLetter переводит задачу в финальный dead_letter.
func (r *TaskRepo) DeadLetter(ctx context.Context, task *domain.Task, cause error) error {
	now := time.Now().UTC()
	msg := errorText(cause)
	if err := r.finish(ctx, task, domain.TaskStatusDeadLetter, msg, now, &now); err != nil {
		return err
	}
	task.MarkDeadLetter(now, msg)
	return nil
}

// CountByStatus возвращает число задач в каждом статусе.
func (r *TaskRepo) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// finish фиксирует финальный статус, только если задача всё ещё
// принадлежит этой доставке.
func (r *TaskRepo) finish(ctx context.Context, task *domain.Task, status domain.TaskStatus, msg string, now time.Time, finishedAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $3, error = $4, updated_at = $5, finished_at = $6
		WHERE id = $1 AND attempt = $2 AND status = 'running'
	`, task.ID, task.Attempt, status, nullString(msg), now, finishedAt)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleDelivery
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var taskError *string

	err := row.Scan(
		&task.ID,
		&task.Kind,
		&task.Payload,
		&task.Attempt,
		&task.MaxAttempts,
		&task.Status,
		&task.VisibilityDeadline,
		&taskError,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Error = derefString(taskError)
	return &task, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package models

import (
	"time"
)

// ScheduleType identifies how a ScheduledTask's next_run_time is computed.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
	ScheduleYearly   ScheduleType = "yearly"
	ScheduleCron     ScheduleType = "cron"
)

// ActionType identifies the handler a ScheduledTask dispatches to when it fires.
type ActionType string

const (
	ActionBackup         ActionType = "backup"
	ActionRecovery       ActionType = "recovery"
	ActionCleanup        ActionType = "cleanup"
	ActionHealthCheck    ActionType = "health_check"
	ActionRetentionCheck ActionType = "retention_check"
	ActionCustom         ActionType = "custom"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskStatusActive   TaskStatus = "active"
	TaskStatusInactive TaskStatus = "inactive"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusPaused   TaskStatus = "paused"
	TaskStatusError    TaskStatus = "error"
)

// ScheduledTask is a durable schedule definition driving the scheduler engine.
type ScheduledTask struct {
	ID       int64        `json:"id" db:"id"`
	TaskName string       `json:"task_name" db:"task_name"`
	Enabled  bool         `json:"enabled" db:"enabled"`
	Status   TaskStatus   `json:"status" db:"status"`

	ScheduleType   ScheduleType `json:"schedule_type" db:"schedule_type"`
	ScheduleConfig string       `json:"schedule_config" db:"schedule_config"` // JSON, shape depends on ScheduleType

	ActionType    ActionType `json:"action_type" db:"action_type"`
	ActionConfig  string     `json:"action_config" db:"action_config"` // JSON, shape depends on ActionType
	BackupTaskID  *int64     `json:"backup_task_id" db:"backup_task_id"`

	NextRunTime     *time.Time `json:"next_run_time" db:"next_run_time"`
	LastRunTime     *time.Time `json:"last_run_time" db:"last_run_time"`
	LastSuccessTime *time.Time `json:"last_success_time" db:"last_success_time"`
	LastFailureTime *time.Time `json:"last_failure_time" db:"last_failure_time"`
	LastError       string     `json:"last_error,omitempty" db:"last_error"`

	TotalRuns       int64 `json:"total_runs" db:"total_runs"`
	SuccessRuns     int64 `json:"success_runs" db:"success_runs"`
	FailureRuns     int64 `json:"failure_runs" db:"failure_runs"`
	CancelledRuns   int64 `json:"cancelled_runs" db:"cancelled_runs"`
	AverageDuration int64 `json:"average_duration" db:"average_duration"` // seconds, running mean

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TaskLock is a mutex row over a single ScheduledTask. At most one row with
// (task_id=T, is_active=true) may exist at any time; acquisition is a
// compare-and-set, release flips is_active to false and the row is kept
// for audit.
type TaskLock struct {
	ID          int64     `json:"id" db:"id"`
	TaskID      int64     `json:"task_id" db:"task_id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	LockedAt    time.Time `json:"locked_at" db:"locked_at"`
	IsActive    bool      `json:"is_active" db:"is_active"`
}

// TaskRunStatus is the lifecycle state of a single TaskRun.
type TaskRunStatus string

const (
	TaskRunStatusRunning   TaskRunStatus = "running"
	TaskRunStatusSuccess   TaskRunStatus = "success"
	TaskRunStatusFailed    TaskRunStatus = "failed"
	TaskRunStatusCancelled TaskRunStatus = "cancelled"
)

// TaskRun records one execution attempt of a ScheduledTask.
type TaskRun struct {
	ID           int64         `json:"id" db:"id"`
	ExecutionID  string        `json:"execution_id" db:"execution_id"`
	TaskID       int64         `json:"task_id" db:"task_id"`
	StartedAt    time.Time     `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at" db:"completed_at"`
	Status       TaskRunStatus `json:"status" db:"status"`
	Result       string        `json:"result,omitempty" db:"result"` // JSON
	ErrorMessage string        `json:"error_message,omitempty" db:"error_message"`
}

// BackupTaskType identifies the backup strategy of a BackupTask template.
type BackupTaskType string

const (
	BackupTaskFull         BackupTaskType = "full"
	BackupTaskIncremental  BackupTaskType = "incremental"
	BackupTaskDifferential BackupTaskType = "differential"
	BackupTaskMonthlyFull  BackupTaskType = "monthly_full"
)

// BackupTaskStatus is the lifecycle state of a BackupTask execution record.
// Templates (IsTemplate=true) do not use this field.
type BackupTaskStatus string

const (
	BackupTaskPending   BackupTaskStatus = "pending"
	BackupTaskRunning   BackupTaskStatus = "running"
	BackupTaskCompleted BackupTaskStatus = "completed"
	BackupTaskFailed    BackupTaskStatus = "failed"
	BackupTaskCancelled BackupTaskStatus = "cancelled"
	BackupTaskPaused    BackupTaskStatus = "paused"
)

// ScanStatus tracks the external file-scanner's progress for one execution,
// consumed by the file-group prefetcher's end-of-stream handshake.
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusScanning  ScanStatus = "scanning"
	ScanStatusCompleted ScanStatus = "completed"
)

// OperationStage names the current phase of a running BackupTask execution.
type OperationStage string

const (
	StageScan     OperationStage = "scan"
	StageCompress OperationStage = "compress"
	StageCopy     OperationStage = "copy"
	StageFinalize OperationStage = "finalize"
)

// BackupTask is either a reusable template (IsTemplate=true) or a concrete
// execution record (IsTemplate=false, TemplateID points at its parent).
type BackupTask struct {
	ID         int64  `json:"id" db:"id"`
	TaskName   string `json:"task_name" db:"task_name"`
	IsTemplate bool   `json:"is_template" db:"is_template"`
	TemplateID *int64 `json:"template_id" db:"template_id"`

	// Template fields (present on both templates and their executions —
	// executions inherit a copy at creation time).
	TaskType         BackupTaskType `json:"task_type" db:"task_type"`
	SourcePaths      string         `json:"source_paths" db:"source_paths"` // JSON array, ordered
	ExcludePatterns  string         `json:"exclude_patterns" db:"exclude_patterns"`
	CompressionFlag  bool           `json:"compression_enabled" db:"compression_enabled"`
	EncryptionFlag   bool           `json:"encryption_enabled" db:"encryption_enabled"`
	RetentionDays    int            `json:"retention_days" db:"retention_days"`
	TapeDevice       string         `json:"tape_device" db:"tape_device"`

	// Execution-only fields (zero value on templates).
	Status          BackupTaskStatus `json:"status,omitempty" db:"status"`
	TotalFiles      int64            `json:"total_files" db:"total_files"`
	ProcessedFiles  int64            `json:"processed_files" db:"processed_files"`
	TotalBytes      int64            `json:"total_bytes" db:"total_bytes"`
	ProcessedBytes  int64            `json:"processed_bytes" db:"processed_bytes"`
	CompressedBytes int64            `json:"compressed_bytes" db:"compressed_bytes"`
	ScanStatus      ScanStatus       `json:"scan_status,omitempty" db:"scan_status"`
	ScanCompletedAt *time.Time       `json:"scan_completed_at" db:"scan_completed_at"`
	OperationStage  OperationStage   `json:"operation_stage,omitempty" db:"operation_stage"`
	StartedAt       *time.Time       `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at" db:"completed_at"`
	ErrorMessage    string           `json:"error_message,omitempty" db:"error_message"`
	BackupSetID     *int64           `json:"backup_set_id" db:"backup_set_id"`
	TapeID          *int64           `json:"tape_id" db:"tape_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BackupSetStatus is the lifecycle state of a BackupSet.
type BackupSetStatus string

const (
	BackupSetStatusPending   BackupSetStatus = "pending"
	BackupSetStatusActive    BackupSetStatus = "active"
	BackupSetStatusCompleted BackupSetStatus = "completed"
	BackupSetStatusFailed    BackupSetStatus = "failed"
)

// BackupSet is one completed archival unit written to one tape, owning many
// BackupFiles.
type BackupSet struct {
	ID                int64           `json:"id" db:"id"`
	SetID             string          `json:"set_id" db:"set_id"` // unique external identifier
	SetName           string          `json:"set_name" db:"set_name"`
	BackupGroup       string          `json:"backup_group" db:"backup_group"` // YYYY-MM
	Status            BackupSetStatus `json:"status" db:"status"`
	TapeID            *int64          `json:"tape_id" db:"tape_id"`
	BackupType        BackupTaskType  `json:"backup_type" db:"backup_type"`
	BackupTime        time.Time       `json:"backup_time" db:"backup_time"`
	TotalFiles        int64           `json:"total_files" db:"total_files"`
	TotalBytes        int64           `json:"total_bytes" db:"total_bytes"`
	CompressedBytes   int64           `json:"compressed_bytes" db:"compressed_bytes"`
	CompressionRatio  float64         `json:"compression_ratio" db:"compression_ratio"`
	RetentionUntil    *time.Time      `json:"retention_until" db:"retention_until"`
	AutoDelete        bool            `json:"auto_delete" db:"auto_delete"`
	BackupTaskID      int64           `json:"backup_task_id" db:"backup_task_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// FileType classifies a BackupFile's filesystem entry kind.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
)

// BackupFile is a per-file record belonging to a BackupSet. At most one row
// exists for a given (backup_set_id, file_path) pair; the compressor flips
// IsCopySuccess to true exactly once per file.
type BackupFile struct {
	ID              int64      `json:"id" db:"id"`
	BackupSetID     int64      `json:"backup_set_id" db:"backup_set_id"`
	FilePath        string     `json:"file_path" db:"file_path"`
	FileName        string     `json:"file_name" db:"file_name"`
	DirectoryPath   string     `json:"directory_path" db:"directory_path"`
	FileType        FileType   `json:"file_type" db:"file_type"`
	FileSize        int64      `json:"file_size" db:"file_size"`
	CompressedSize  int64      `json:"compressed_size" db:"compressed_size"`
	ModifiedTime    time.Time  `json:"modified_time" db:"modified_time"`
	IsCopySuccess   bool       `json:"is_copy_success" db:"is_copy_success"`
	CopyStatusAt    *time.Time `json:"copy_status_at" db:"copy_status_at"`
	ChunkNumber     int        `json:"chunk_number" db:"chunk_number"`
	Checksum        string     `json:"checksum,omitempty" db:"checksum"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// TapeCartridgeStatus is the lifecycle state of a TapeCartridge.
type TapeCartridgeStatus string

const (
	TapeCartridgeNew         TapeCartridgeStatus = "new"
	TapeCartridgeAvailable   TapeCartridgeStatus = "available"
	TapeCartridgeInUse       TapeCartridgeStatus = "in_use"
	TapeCartridgeFull        TapeCartridgeStatus = "full"
	TapeCartridgeExpired     TapeCartridgeStatus = "expired"
	TapeCartridgeError       TapeCartridgeStatus = "error"
	TapeCartridgeMaintenance TapeCartridgeStatus = "maintenance"
	TapeCartridgeRetired     TapeCartridgeStatus = "retired"
)

// TapeCartridge is owned by the tape subsystem (an external collaborator);
// the backup pipeline neither reads nor writes it.
type TapeCartridge struct {
	ID            int64               `json:"id" db:"id"`
	TapeID        string              `json:"tape_id" db:"tape_id"`
	Label         string              `json:"label" db:"label"`
	SerialNumber  string              `json:"serial_number" db:"serial_number"`
	Status        TapeCartridgeStatus `json:"status" db:"status"`
	CapacityBytes int64               `json:"capacity_bytes" db:"capacity_bytes"`
	UsedBytes     int64               `json:"used_bytes" db:"used_bytes"`
	BackupGroup   string              `json:"backup_group" db:"backup_group"`
	HealthScore   int                 `json:"health_score" db:"health_score"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at" db:"updated_at"`
}

// AuditLog is an append-only audit trail entry, written by the logging glue
// for the operator unlock/unlock-all operations; run-lifecycle transitions
// are recorded in task_runs, not here.
type AuditLog struct {
	ID           int64     `json:"id" db:"id"`
	Actor        string    `json:"actor" db:"actor"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   *int64    `json:"resource_id" db:"resource_id"`
	Details      string    `json:"details" db:"details"` // JSON
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// OperatorKey is a bcrypt-hashed API key gating the scheduler's dangerous
// admin-recovery endpoints (unlock / unlock-all).
type OperatorKey struct {
	ID        int64      `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	KeyHash   string     `json:"-" db:"key_hash"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	LastUsed  *time.Time `json:"last_used" db:"last_used"`
}

package handler

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-funnel-go/internal/assessment"
	"coach-funnel-go/internal/constants"
	"coach-funnel-go/internal/funnel"
	"coach-funnel-go/internal/recording"
	"coach-funnel-go/internal/storage/models"
)

type fakeTracker struct {
	app         *models.CoachApplication
	advanceNext int
	advanceErr  error
	advanceHits int
}

func (f *fakeTracker) CreateApplication(ctx context.Context, draft *funnel.ApplicationDraft) (*models.CoachApplication, error) {
	return &models.CoachApplication{
		ApplicationID: "new-app",
		Name:          draft.Name,
		Email:         draft.Email,
		Status:        constants.StatusStarted,
	}, nil
}

func (f *fakeTracker) GetApplication(ctx context.Context, applicationID string) (*models.CoachApplication, error) {
	if f.app == nil {
		return nil, funnel.ErrApplicationNotFound
	}
	return f.app, nil
}

func (f *fakeTracker) Advance(ctx context.Context, applicationID string, currentStep int, draft *funnel.ApplicationDraft) (int, error) {
	f.advanceHits++
	if f.advanceErr != nil {
		return 0, f.advanceErr
	}
	return f.advanceNext, nil
}

func (f *fakeTracker) Retreat(currentStep int) int {
	if currentStep <= constants.StepBasicInfo {
		return constants.StepBasicInfo
	}
	return currentStep - 1
}

type fakeRecorder struct {
	confirmExt  string
	confirmKey  string
	abandonedID string
}

func (f *fakeRecorder) Start(ctx context.Context, applicationID string) (recording.Snapshot, error) {
	return recording.Snapshot{ApplicationID: applicationID, State: recording.StateRecording}, nil
}

func (f *fakeRecorder) Stop(ctx context.Context, applicationID string) (*recording.Artifact, error) {
	return &recording.Artifact{DurationSeconds: 42}, nil
}

func (f *fakeRecorder) Discard(ctx context.Context, applicationID string) error { return nil }

func (f *fakeRecorder) Snapshot(applicationID string) recording.Snapshot {
	return recording.Snapshot{ApplicationID: applicationID, State: recording.StateIdle}
}

func (f *fakeRecorder) Confirm(ctx context.Context, applicationID string, data []byte, ext string) (string, int, error) {
	f.confirmExt = ext
	f.confirmKey = "audio/" + applicationID + "-voice-statement" + ext
	return f.confirmKey, 42, nil
}

func (f *fakeRecorder) Abandon(ctx context.Context, applicationID string) {
	f.abandonedID = applicationID
}

type fakeAssessor struct {
	turns []models.ConversationTurn
}

func (f *fakeAssessor) Begin(ctx context.Context, applicationID string) (*assessment.TurnResult, error) {
	return &assessment.TurnResult{ApplicationID: applicationID, Message: "问题一", TurnNumber: 1}, nil
}

func (f *fakeAssessor) Submit(ctx context.Context, applicationID string, candidateText string) (*assessment.TurnResult, error) {
	return &assessment.TurnResult{ApplicationID: applicationID, Message: "问题二", TurnNumber: 2}, nil
}

func (f *fakeAssessor) Transcript(ctx context.Context, applicationID string) ([]models.ConversationTurn, error) {
	return f.turns, nil
}

// fakeLocker busy=true 时模拟锁被占用
type fakeLocker struct {
	busy     bool
	failErr  error
	acquired int
	released int
}

func (f *fakeLocker) AcquireFunnelLock(ctx context.Context, applicationID, operation string, expiration time.Duration) (string, error) {
	if f.failErr != nil {
		return "", f.failErr
	}
	if f.busy {
		return "", nil
	}
	f.acquired++
	return "lock-value", nil
}

func (f *fakeLocker) ReleaseFunnelLock(ctx context.Context, applicationID, operation string, lockValue string) (bool, error) {
	f.released++
	return true, nil
}

type fakeObjectStore struct {
	uploadedExt string
	signedKey   string
}

func (f *fakeObjectStore) UploadResumeFile(ctx context.Context, applicationID, fileExt string, reader io.Reader, fileSize int64) (string, error) {
	f.uploadedExt = fileExt
	return "resumes/" + applicationID + fileExt, nil
}

func (f *fakeObjectStore) GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	f.signedKey = objectName
	return "https://minio.local/" + objectName + "?signed=1", nil
}

type fakeUpdater struct {
	fields map[string]interface{}
}

func (f *fakeUpdater) UpdateApplicationFields(ctx context.Context, applicationID string, fields map[string]interface{}) error {
	f.fields = fields
	return nil
}

func newTestHandler(tracker *fakeTracker, locker FunnelLocker) (*ApplicationHandler, *fakeRecorder, *fakeObjectStore, *fakeUpdater) {
	recorder := &fakeRecorder{}
	resumes := &fakeObjectStore{}
	updater := &fakeUpdater{}
	h := NewApplicationHandler(nil, tracker, recorder, &fakeAssessor{}, locker, resumes, updater)
	return h, recorder, resumes, updater
}

func TestHandleGetApplicationPlaybackURL(t *testing.T) {
	objectKey := "audio/app-1-voice-statement.webm"
	tracker := &fakeTracker{app: &models.CoachApplication{
		ApplicationID:     "app-1",
		Status:            constants.StatusStatementRecorded,
		AudioStatementURL: &objectKey,
	}}
	h, _, objects, _ := newTestHandler(tracker, nil)

	resp, err := h.HandleGetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, objectKey, resp.AudioStatementURL)
	assert.Equal(t, objectKey, objects.signedKey, "应为已有语音制品签发回放URL")
	assert.Contains(t, resp.AudioPlaybackURL, "signed=1")

	// 尚无制品时不签发回放URL
	tracker.app = &models.CoachApplication{ApplicationID: "app-2", Status: constants.StatusStarted}
	objects.signedKey = ""
	resp, err = h.HandleGetApplication(context.Background(), "app-2")
	require.NoError(t, err)
	assert.Empty(t, resp.AudioPlaybackURL)
	assert.Empty(t, objects.signedKey)
}

func TestHandleCreateApplication(t *testing.T) {
	h, _, _, _ := newTestHandler(&fakeTracker{}, nil)

	resp, err := h.HandleCreateApplication(context.Background(), &funnel.ApplicationDraft{
		Name: "张三", Email: "z@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "new-app", resp.ApplicationID)
	assert.Equal(t, constants.StatusStarted, resp.Status)
	assert.Equal(t, constants.StepQualification, resp.CurrentStep)
}

func TestHandleAdvanceWithLock(t *testing.T) {
	tracker := &fakeTracker{advanceNext: 3}
	locker := &fakeLocker{}
	h, _, _, _ := newTestHandler(tracker, locker)

	resp, err := h.HandleAdvance(context.Background(), "app-1", 2, &funnel.ApplicationDraft{})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.NextStep)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestHandleAdvanceLockBusy(t *testing.T) {
	tracker := &fakeTracker{advanceNext: 3}
	h, _, _, _ := newTestHandler(tracker, &fakeLocker{busy: true})

	_, err := h.HandleAdvance(context.Background(), "app-1", 2, &funnel.ApplicationDraft{})
	assert.ErrorIs(t, err, ErrOperationBusy)
	assert.Equal(t, 0, tracker.advanceHits)
}

func TestHandleAdvanceLockDegradation(t *testing.T) {
	// Redis故障时放行，不拒绝服务
	tracker := &fakeTracker{advanceNext: 3}
	h, _, _, _ := newTestHandler(tracker, &fakeLocker{failErr: errors.New("redis down")})

	resp, err := h.HandleAdvance(context.Background(), "app-1", 2, &funnel.ApplicationDraft{})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.NextStep)
}

func TestHandleRetreatFloor(t *testing.T) {
	h, _, _, _ := newTestHandler(&fakeTracker{}, nil)

	assert.Equal(t, 2, h.HandleRetreat(context.Background(), "app-1", 3).Step)
	assert.Equal(t, constants.StepBasicInfo, h.HandleRetreat(context.Background(), "app-1", 1).Step)
}

func TestHandleResumeUpload(t *testing.T) {
	tracker := &fakeTracker{app: &models.CoachApplication{ApplicationID: "app-1", Status: constants.StatusStarted}}
	h, _, resumes, updater := newTestHandler(tracker, nil)

	resp, err := h.HandleResumeUpload(context.Background(), "app-1",
		newReader("resume-bytes"), 12, "my_resume.PDF")
	require.NoError(t, err)
	assert.Equal(t, ".pdf", resumes.uploadedExt)
	assert.Equal(t, "resumes/app-1.pdf", resp.ResumePath)
	assert.Equal(t, "resumes/app-1.pdf", updater.fields["resume_path_oss"])
}

func TestHandleResumeUploadUnknownApplication(t *testing.T) {
	h, _, _, _ := newTestHandler(&fakeTracker{}, nil)

	_, err := h.HandleResumeUpload(context.Background(), "missing", newReader("x"), 1, "a.pdf")
	assert.ErrorIs(t, err, funnel.ErrApplicationNotFound)
}

func TestHandleRecordingConfirmDefaultExt(t *testing.T) {
	tracker := &fakeTracker{app: &models.CoachApplication{ApplicationID: "app-1"}}
	h, recorder, _, _ := newTestHandler(tracker, nil)

	resp, err := h.HandleRecordingConfirm(context.Background(), "app-1", []byte("voice"), "blob")
	require.NoError(t, err)
	assert.Equal(t, ".webm", recorder.confirmExt)
	assert.Equal(t, 42, resp.DurationSeconds)
}

func TestHandleRecordingAbandon(t *testing.T) {
	tracker := &fakeTracker{app: &models.CoachApplication{ApplicationID: "app-1"}}
	h, recorder, _, _ := newTestHandler(tracker, nil)

	h.HandleRecordingAbandon(context.Background(), "app-1")
	assert.Equal(t, "app-1", recorder.abandonedID)
}

func TestHandleAssessmentTranscriptPrefersPersisted(t *testing.T) {
	persisted, err := models.TurnsToJSON([]models.ConversationTurn{
		{Role: "assistant", Content: "问题一"},
		{Role: "candidate", Content: "回答一"},
	})
	require.NoError(t, err)

	tracker := &fakeTracker{app: &models.CoachApplication{
		ApplicationID: "app-1",
		Status:        constants.StatusComplete,
		Transcript:    persisted,
	}}
	h, _, _, _ := newTestHandler(tracker, nil)

	resp, err := h.HandleAssessmentTranscript(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, resp.Turns, 2)
	assert.Equal(t, "回答一", resp.Turns[1].Content)
}

func TestHandleAssessmentTranscriptLiveFallback(t *testing.T) {
	tracker := &fakeTracker{app: &models.CoachApplication{
		ApplicationID: "app-1",
		Status:        constants.StatusStatementRecorded,
	}}
	recorder := &fakeRecorder{}
	assessor := &fakeAssessor{turns: []models.ConversationTurn{{Role: "assistant", Content: "进行中"}}}
	h := NewApplicationHandler(nil, tracker, recorder, assessor, nil, &fakeObjectStore{}, &fakeUpdater{})

	resp, err := h.HandleAssessmentTranscript(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, "进行中", resp.Turns[0].Content)
}

func newReader(s string) io.Reader {
	return strings.NewReader(s)
}

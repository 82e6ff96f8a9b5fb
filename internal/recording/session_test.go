package recording

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTicker 手动控制的节拍源，测试中替代真实时钟
type manualTicker struct {
	ch        chan time.Time
	cancelled bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) factory() (<-chan time.Time, func()) {
	m.cancelled = false
	return m.ch, func() { m.cancelled = true }
}

// tick 推进一秒并等待会话消费完该节拍
func (m *manualTicker) tick(t *testing.T, s *Session, wantElapsed int) {
	t.Helper()
	m.ch <- time.Now()
	require.Eventually(t, func() bool {
		return s.ElapsedSeconds() >= wantElapsed || s.State() != StateRecording
	}, time.Second, time.Millisecond, "节拍应在限期内被消费")
}

// TestSessionLifecycle 验证 Idle → Recording → Captured 的基本流转
func TestSessionLifecycle(t *testing.T) {
	mt := newManualTicker()
	s := NewSession("app-1", 120, WithTickerFactory(mt.factory))

	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start())
	assert.Equal(t, StateRecording, s.State())

	for i := 1; i <= 15; i++ {
		mt.tick(t, s, i)
	}
	assert.Equal(t, 15, s.ElapsedSeconds())

	artifact, err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, StateCaptured, s.State())
	assert.Equal(t, 15, artifact.DurationSeconds, "制品时长应等于已录制秒数")
	assert.True(t, mt.cancelled, "离开Recording时必须取消节拍源")
}

// TestSessionAutoStopAtCeiling 验证到达上限时自动停止，行为与显式停止一致
func TestSessionAutoStopAtCeiling(t *testing.T) {
	mt := newManualTicker()
	s := NewSession("app-2", 120, WithTickerFactory(mt.factory))

	require.NoError(t, s.Start())

	// 从不调用stop，只靠节拍推到上限
	for i := 1; i <= 120; i++ {
		mt.tick(t, s, i)
	}

	require.Eventually(t, func() bool {
		return s.State() == StateCaptured
	}, time.Second, time.Millisecond, "到达上限后应自动进入Captured")

	artifact, err := s.Artifact()
	require.NoError(t, err)
	assert.LessOrEqual(t, artifact.DurationSeconds, 120, "录制时长永远不超过上限")

	assert.True(t, mt.cancelled, "自动停止也必须取消节拍源")

	// 显式停止已不再允许
	_, err = s.Stop()
	var transErr *InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
}

// TestSessionDurationClamp 验证制品时长被钳制到配置上限
func TestSessionDurationClamp(t *testing.T) {
	mt := newManualTicker()
	s := NewSession("app-3", 5, WithTickerFactory(mt.factory))

	require.NoError(t, s.Start())
	for i := 1; i <= 5; i++ {
		mt.tick(t, s, i)
	}

	require.Eventually(t, func() bool {
		return s.State() == StateCaptured
	}, time.Second, time.Millisecond)

	require.NoError(t, s.AttachData([]byte("audio-bytes"), ".webm"))
	artifact, err := s.Artifact()
	require.NoError(t, err)
	assert.LessOrEqual(t, artifact.DurationSeconds, 5)
}

// TestSessionDiscardResetsElapsed 验证丢弃重录会清零计时
func TestSessionDiscardResetsElapsed(t *testing.T) {
	mt := newManualTicker()
	s := NewSession("app-4", 120, WithTickerFactory(mt.factory))

	require.NoError(t, s.Start())
	for i := 1; i <= 30; i++ {
		mt.tick(t, s, i)
	}
	_, err := s.Stop()
	require.NoError(t, err)

	require.NoError(t, s.Discard())
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, s.ElapsedSeconds(), "丢弃后计时必须清零")

	// 重录从0开始
	mt2 := newManualTicker()
	s.newTicker = mt2.factory
	require.NoError(t, s.Start())
	mt2.tick(t, s, 1)
	assert.Equal(t, 1, s.ElapsedSeconds())
	_, err = s.Stop()
	require.NoError(t, err)
}

// TestSessionPermissionDenied 设备访问被拒绝时保持Idle
func TestSessionPermissionDenied(t *testing.T) {
	device := NewExclusiveDevice()
	require.NoError(t, device.Acquire()) // 先占住设备

	s := NewSession("app-5", 120, WithDevice(device))
	err := s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, StateIdle, s.State(), "权限被拒后会话应保持Idle")

	// 设备释放后可以正常开始
	device.Release()
	mt := newManualTicker()
	s.newTicker = mt.factory
	require.NoError(t, s.Start())
	_, err = s.Stop()
	require.NoError(t, err)
}

// TestSessionInvalidTransitions 非法迁移应返回明确错误
func TestSessionInvalidTransitions(t *testing.T) {
	s := NewSession("app-6", 120)

	_, err := s.Stop()
	var transErr *InvalidTransitionError
	require.ErrorAs(t, err, &transErr, "Idle下stop应是非法迁移")
	assert.Equal(t, StateIdle, transErr.From)

	err = s.Discard()
	require.ErrorAs(t, err, &transErr, "Idle下discard应是非法迁移")
}

// TestSessionAttachDataRetainsArtifact 验证重试确认时可复用已附加的制品
func TestSessionAttachDataRetainsArtifact(t *testing.T) {
	mt := newManualTicker()
	s := NewSession("app-7", 120, WithTickerFactory(mt.factory))

	require.NoError(t, s.Start())
	mt.tick(t, s, 1)
	_, err := s.Stop()
	require.NoError(t, err)

	require.NoError(t, s.AttachData([]byte("voice-data"), ".webm"))

	// 空数据表示复用上次的制品
	require.NoError(t, s.AttachData(nil, ""))
	artifact, err := s.Artifact()
	require.NoError(t, err)
	assert.Equal(t, []byte("voice-data"), artifact.Data, "重试时制品数据应被保留")
	assert.Equal(t, ".webm", artifact.Ext)
}

// TestSessionAbort 中途放弃应释放设备并回到Idle
func TestSessionAbort(t *testing.T) {
	device := NewExclusiveDevice()
	mt := newManualTicker()
	s := NewSession("app-8", 120, WithDevice(device), WithTickerFactory(mt.factory))

	require.NoError(t, s.Start())
	mt.tick(t, s, 1)

	s.Abort()
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, s.ElapsedSeconds())
	assert.True(t, mt.cancelled, "放弃时必须取消节拍源")

	// 设备应已释放，可被重新获取
	require.NoError(t, device.Acquire())
}

// TestSessionStopReleasesTickerGoroutine 显式停止后计时协程必须退出
// 节拍源取消后通道并不会关闭，协程只能靠停止信号退出。
func TestSessionStopReleasesTickerGoroutine(t *testing.T) {
	before := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		mt := newManualTicker()
		s := NewSession("app-9", 120, WithTickerFactory(mt.factory))
		require.NoError(t, s.Start())
		mt.tick(t, s, 1)

		// 显式停止与中途放弃都不能留下计时协程
		if i%2 == 0 {
			_, err := s.Stop()
			require.NoError(t, err)
		} else {
			s.Abort()
		}
	}

	require.Eventually(t, func() bool {
		runtime.Gosched()
		return runtime.NumGoroutine() <= before+2
	}, time.Second, 10*time.Millisecond, "离开Recording后计时协程应当退出")
}

package recording

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// 会话状态
const (
	StateIdle      = "idle"      // 空闲，未持有任何制品
	StateRecording = "recording" // 录制中，独占输入设备
	StateCaptured  = "captured"  // 已捕获制品，等待确认或丢弃
)

var (
	// ErrPermissionDenied 输入设备访问被拒绝，会话保持空闲
	ErrPermissionDenied = errors.New("输入设备访问被拒绝")
	// ErrNoArtifact 当前没有已捕获的制品
	ErrNoArtifact = errors.New("没有已捕获的语音制品")
)

// InvalidTransitionError 非法的状态迁移
type InvalidTransitionError struct {
	From   string
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("状态 %s 下不允许执行 %s", e.From, e.Action)
}

// Artifact 已捕获的语音制品：二进制数据加录制时长
type Artifact struct {
	Data            []byte `json:"-"`
	Ext             string `json:"ext"`
	DurationSeconds int    `json:"duration_seconds"`
}

// InputDevice 输入设备的获取与释放
// Recording 期间设备被独占持有，任何离开 Recording 的迁移都必须释放。
type InputDevice interface {
	Acquire() error
	Release()
}

// exclusiveDevice 同一时刻只允许一个持有者的默认设备实现
type exclusiveDevice struct {
	mu   sync.Mutex
	held bool
}

func (d *exclusiveDevice) Acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held {
		return ErrPermissionDenied
	}
	d.held = true
	return nil
}

func (d *exclusiveDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held = false
}

// NewExclusiveDevice 创建默认的独占输入设备
func NewExclusiveDevice() InputDevice {
	return &exclusiveDevice{}
}

// TickerFactory 创建一秒节拍源，返回节拍通道和取消函数
// 计时节拍是自动停止的唯一驱动，测试中可注入手动通道。
type TickerFactory func() (<-chan time.Time, func())

func defaultTickerFactory() (<-chan time.Time, func()) {
	ticker := time.NewTicker(1 * time.Second)
	return ticker.C, ticker.Stop
}

// Session 语音陈述录制会话
// 状态机: Idle → Recording → Captured，discard 使 Captured 回到 Idle。
// 计时到达上限时自动停止，行为与显式停止完全一致。
type Session struct {
	mu             sync.Mutex
	applicationID  string
	state          string
	elapsedSeconds int
	maxSeconds     int
	artifact       *Artifact
	device         InputDevice
	newTicker      TickerFactory
	cancelTick     func()
	tickDone       chan struct{}
}

// SessionOption 配置录制会话的可选参数
type SessionOption func(*Session)

// WithDevice 注入输入设备实现
func WithDevice(device InputDevice) SessionOption {
	return func(s *Session) {
		s.device = device
	}
}

// WithTickerFactory 注入节拍源工厂，测试用
func WithTickerFactory(factory TickerFactory) SessionOption {
	return func(s *Session) {
		s.newTicker = factory
	}
}

// NewSession 创建录制会话，maxSeconds 是录制时长上限（秒）
func NewSession(applicationID string, maxSeconds int, opts ...SessionOption) *Session {
	s := &Session{
		applicationID: applicationID,
		state:         StateIdle,
		maxSeconds:    maxSeconds,
		device:        NewExclusiveDevice(),
		newTicker:     defaultTickerFactory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State 返回当前状态
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ElapsedSeconds 返回已录制秒数
func (s *Session) ElapsedSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedSeconds
}

// Start 开始录制: Idle → Recording
// 设备访问被拒绝时保持 Idle 并返回 ErrPermissionDenied。
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return &InvalidTransitionError{From: s.state, Action: "start"}
	}

	if err := s.device.Acquire(); err != nil {
		// 会话保持 Idle，错误交由调用方提示
		return fmt.Errorf("%w: %s", ErrPermissionDenied, s.applicationID)
	}

	tickCh, cancel := s.newTicker()
	s.cancelTick = cancel
	s.tickDone = make(chan struct{})
	s.state = StateRecording
	s.elapsedSeconds = 0

	go s.runTicker(tickCh, s.tickDone)
	return nil
}

// runTicker 消费节拍并推进已录制时长，到达上限时自动停止
// 节拍源取消后通道不会关闭，必须靠 done 退出，否则协程泄漏。
func (s *Session) runTicker(tickCh <-chan time.Time, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-tickCh:
		}

		s.mu.Lock()
		if s.state != StateRecording {
			s.mu.Unlock()
			return
		}
		s.elapsedSeconds++
		if s.elapsedSeconds >= s.maxSeconds {
			// 自动停止与显式停止走同一条迁移
			s.stopLocked()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// Stop 停止录制: Recording → Captured，返回制品（时长已钳制到上限）
func (s *Session) Stop() (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording {
		return nil, &InvalidTransitionError{From: s.state, Action: "stop"}
	}
	s.stopLocked()
	return s.artifact, nil
}

// stopLocked 执行停止迁移，调用方必须持有锁
// 取消节拍源并释放设备，所有离开 Recording 的路径都经过这里。
func (s *Session) stopLocked() {
	s.cancelTickLocked()
	s.device.Release()

	duration := s.elapsedSeconds
	if duration > s.maxSeconds {
		duration = s.maxSeconds
	}
	s.artifact = &Artifact{DurationSeconds: duration}
	s.state = StateCaptured
}

// cancelTickLocked 取消节拍源并通知计时协程退出，调用方必须持有锁
func (s *Session) cancelTickLocked() {
	if s.cancelTick != nil {
		s.cancelTick()
		s.cancelTick = nil
	}
	if s.tickDone != nil {
		close(s.tickDone)
		s.tickDone = nil
	}
}

// Discard 丢弃制品重录: Captured → Idle
// 释放制品并把计时清零。
func (s *Session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCaptured {
		return &InvalidTransitionError{From: s.state, Action: "discard"}
	}
	s.artifact = nil
	s.elapsedSeconds = 0
	s.state = StateIdle
	return nil
}

// AttachData 在 Captured 状态下补充制品的二进制数据与扩展名
// 重试确认时传入空数据可复用上一次附加的制品。
func (s *Session) AttachData(data []byte, ext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCaptured || s.artifact == nil {
		return ErrNoArtifact
	}
	if len(data) > 0 {
		s.artifact.Data = data
		s.artifact.Ext = ext
	}
	if len(s.artifact.Data) == 0 {
		return ErrNoArtifact
	}
	return nil
}

// Artifact 返回当前制品，没有时返回 ErrNoArtifact
func (s *Session) Artifact() (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCaptured || s.artifact == nil {
		return nil, ErrNoArtifact
	}
	return s.artifact, nil
}

// Abort 中途放弃：停止录制并释放设备，不保留任何制品
// 候选人关闭页面离开时调用，不产生任何持久化副作用。
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRecording {
		s.cancelTickLocked()
		s.device.Release()
	}
	s.artifact = nil
	s.elapsedSeconds = 0
	s.state = StateIdle
}

// Snapshot 会话快照，缓存到Redis供查询
type Snapshot struct {
	ApplicationID  string `json:"application_id"`
	State          string `json:"state"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	HasArtifact    bool   `json:"has_artifact"`
}

// Snapshot 生成当前会话的快照
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ApplicationID:  s.applicationID,
		State:          s.state,
		ElapsedSeconds: s.elapsedSeconds,
		HasArtifact:    s.artifact != nil && len(s.artifact.Data) > 0,
	}
}

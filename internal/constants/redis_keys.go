package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// FunnelModulePrefix 漏斗模块
	FunnelModulePrefix = "funnel"
	// RecordingModulePrefix 录音模块
	RecordingModulePrefix = "recording"
	// AssessmentModulePrefix 评估模块
	AssessmentModulePrefix = "assessment"

	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntitySession 会话实体
	EntitySession = "session"
	// EntityTranscript 对话记录实体
	EntityTranscript = "transcript"

	// KeyFunnelLock 漏斗操作防重复提交锁 (STRING, SETNX)
	// 格式: app:funnel:lock:{applicationID}:{operation}
	KeyFunnelLock = AppPrefix + ":" + FunnelModulePrefix + ":" + EntityLock + ":%s:%s"

	// KeyRecordingSession 录音会话状态缓存 (STRING, JSON)
	// 格式: app:recording:session:{applicationID}
	KeyRecordingSession = AppPrefix + ":" + RecordingModulePrefix + ":" + EntitySession + ":%s"

	// KeyAssessmentTranscript 评估对话的会话内消息记录 (LIST)
	// 格式: app:assessment:transcript:{applicationID}
	KeyAssessmentTranscript = AppPrefix + ":" + AssessmentModulePrefix + ":" + EntityTranscript + ":%s"

	// KeyAssessmentSession 评估会话元数据，轮数与状态 (STRING, JSON)
	// 格式: app:assessment:session:{applicationID}
	KeyAssessmentSession = AppPrefix + ":" + AssessmentModulePrefix + ":" + EntitySession + ":%s"
)

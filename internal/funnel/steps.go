package funnel

import (
	"fmt"
	"sort"
	"strings"

	"coach-funnel-go/internal/constants"
)

// ApplicationDraft 跨步骤累积的表单状态
// 每一步只填充自己的字段，推进时按该步骤的必填集合校验。
type ApplicationDraft struct {
	// 第一步：身份信息
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Country string `json:"country"`
	City    string `json:"city"`

	// 第二步：资质信息
	HighestQualification string          `json:"highest_qualification"`
	CurrentOccupation    string          `json:"current_occupation"`
	ExperienceYears      *int            `json:"experience_years"` // 指针以区分"未填写"与0年
	Certifications       string          `json:"certifications"`
	EssentialChecklist   map[string]bool `json:"essential_checklist"`

	// 第三步：书面陈述（语音陈述由录音会话单独提交）
	WrittenStatement string `json:"written_statement"`
}

// EssentialChecklistItems 资质核对清单的6个必选项，全部勾选才允许推进
var EssentialChecklistItems = []string{
	"has_teaching_passion",
	"can_commit_hours",
	"has_stable_internet",
	"comfortable_on_camera",
	"agrees_to_training",
	"accepts_code_of_conduct",
}

// ValidationError 步骤推进时的必填项校验错误，指出未满足的字段
type ValidationError struct {
	Step          int
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("第%d步必填项缺失: %s", e.Step, strings.Join(e.MissingFields, ", "))
}

// AllEssentialChecked 判断核对清单是否全部勾选
func AllEssentialChecked(checklist map[string]bool) bool {
	if len(checklist) == 0 {
		return false
	}
	for _, item := range EssentialChecklistItems {
		if !checklist[item] {
			return false
		}
	}
	return true
}

// requiredFieldsByStep 返回某一步的必填字段集合（字段名 -> 是否满足）
// 字符串按非空判断，数值按是否已定义判断。
func requiredFieldsByStep(step int, draft *ApplicationDraft) map[string]bool {
	switch step {
	case constants.StepBasicInfo:
		return map[string]bool{
			"name":    draft.Name != "",
			"email":   draft.Email != "",
			"phone":   draft.Phone != "",
			"country": draft.Country != "",
			"city":    draft.City != "",
		}
	case constants.StepQualification:
		return map[string]bool{
			"highest_qualification": draft.HighestQualification != "",
			"current_occupation":    draft.CurrentOccupation != "",
			"experience_years":      draft.ExperienceYears != nil,
			"essential_checklist":   AllEssentialChecked(draft.EssentialChecklist),
		}
	case constants.StepStatement:
		return map[string]bool{
			"written_statement": draft.WrittenStatement != "",
		}
	default:
		return nil
	}
}

// ValidateStep 校验某一步的必填字段，缺失时返回 *ValidationError
func ValidateStep(step int, draft *ApplicationDraft) error {
	fields := requiredFieldsByStep(step, draft)
	if fields == nil {
		return fmt.Errorf("非法的步骤索引: %d", step)
	}

	var missing []string
	for name, ok := range fields {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		// 排序保证错误信息的字段顺序稳定
		sort.Strings(missing)
		return &ValidationError{Step: step, MissingFields: missing}
	}
	return nil
}

// StepForStatus 根据状态推断候选人应当回到的步骤，用于中途恢复
func StepForStatus(status string) int {
	switch status {
	case constants.StatusStarted:
		return constants.StepQualification
	case constants.StatusQualified:
		return constants.StepStatement
	case constants.StatusStatementRecorded:
		return constants.StepAssessment
	case constants.StatusAIAssessmentComplete, constants.StatusComplete:
		return constants.StepComplete
	default:
		return constants.StepBasicInfo
	}
}

package funnel

import (
	"testing"

	"coach-funnel-go/internal/constants"
	"coach-funnel-go/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullChecklist() map[string]bool {
	m := make(map[string]bool, len(EssentialChecklistItems))
	for _, item := range EssentialChecklistItems {
		m[item] = true
	}
	return m
}

// TestValidateStepBasicInfo 验证第一步的必填项校验
func TestValidateStepBasicInfo(t *testing.T) {
	draft := &ApplicationDraft{
		Name:    "Asha",
		Email:   "a@x.com",
		Phone:   "+911234567890",
		Country: "IN",
		City:    "Mumbai",
	}
	assert.NoError(t, ValidateStep(constants.StepBasicInfo, draft), "所有必填项齐全时不应返回错误")

	draft.Email = ""
	err := ValidateStep(constants.StepBasicInfo, draft)
	require.Error(t, err, "缺少邮箱时应返回校验错误")

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, constants.StepBasicInfo, vErr.Step)
	assert.Equal(t, []string{"email"}, vErr.MissingFields, "错误应准确指出缺失的字段")
}

// TestBasicInfoUpdates 第一步推进时全部身份字段都要落盘，防止修改后的值丢失
func TestBasicInfoUpdates(t *testing.T) {
	draft := &ApplicationDraft{
		Name:    "Asha",
		Email:   "a@x.com",
		Phone:   "+911234567890",
		Country: "IN",
		City:    "Mumbai",
	}

	updates := basicInfoUpdates(draft)
	assert.Equal(t, map[string]interface{}{
		"name":    "Asha",
		"email":   "a@x.com",
		"phone":   "+911234567890",
		"country": "IN",
		"city":    "Mumbai",
	}, updates)
}

// TestValidateStepQualification 验证第二步的资质校验，含核对清单
func TestValidateStepQualification(t *testing.T) {
	draft := &ApplicationDraft{
		HighestQualification: "硕士",
		CurrentOccupation:    "中学教师",
		ExperienceYears:      utils.IntPtr(3),
		EssentialChecklist:   fullChecklist(),
	}
	assert.NoError(t, ValidateStep(constants.StepQualification, draft))

	// 取消勾选任意一项，推进应被阻止
	draft.EssentialChecklist[EssentialChecklistItems[2]] = false
	err := ValidateStep(constants.StepQualification, draft)
	require.Error(t, err, "清单未全部勾选时应返回校验错误")

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.MissingFields, "essential_checklist")
}

// TestValidateStepQualificationExperienceYears 验证经验年数按"是否定义"判断
func TestValidateStepQualificationExperienceYears(t *testing.T) {
	draft := &ApplicationDraft{
		HighestQualification: "本科",
		CurrentOccupation:    "自由职业",
		ExperienceYears:      utils.IntPtr(0), // 0年是合法值
		EssentialChecklist:   fullChecklist(),
	}
	assert.NoError(t, ValidateStep(constants.StepQualification, draft), "0年经验应视为已定义")

	draft.ExperienceYears = nil
	err := ValidateStep(constants.StepQualification, draft)
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.MissingFields, "experience_years")
}

// TestAllEssentialChecked 验证清单勾选判断
func TestAllEssentialChecked(t *testing.T) {
	assert.False(t, AllEssentialChecked(nil), "空清单不应通过")
	assert.False(t, AllEssentialChecked(map[string]bool{}), "空map不应通过")

	checklist := fullChecklist()
	assert.True(t, AllEssentialChecked(checklist))
	assert.Len(t, EssentialChecklistItems, constants.EssentialChecklistSize, "清单必选项数量应为6")

	checklist[EssentialChecklistItems[0]] = false
	assert.False(t, AllEssentialChecked(checklist), "任意一项未勾选都不应通过")
}

// TestValidateStepStatement 验证第三步的书面陈述校验
func TestValidateStepStatement(t *testing.T) {
	draft := &ApplicationDraft{WrittenStatement: "我热爱教学。"}
	assert.NoError(t, ValidateStep(constants.StepStatement, draft))

	draft.WrittenStatement = ""
	err := ValidateStep(constants.StepStatement, draft)
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"written_statement"}, vErr.MissingFields)
}

// TestValidateStepInvalidIndex 非法步骤索引应直接报错
func TestValidateStepInvalidIndex(t *testing.T) {
	err := ValidateStep(99, &ApplicationDraft{})
	assert.Error(t, err)
}

// TestRetreat 回退总是允许，且不会低于第一步
func TestRetreat(t *testing.T) {
	tracker := &StageTracker{}

	assert.Equal(t, constants.StepQualification, tracker.Retreat(constants.StepStatement))
	assert.Equal(t, constants.StepBasicInfo, tracker.Retreat(constants.StepQualification))
	assert.Equal(t, constants.StepBasicInfo, tracker.Retreat(constants.StepBasicInfo), "第一步回退应停留在第一步")
	assert.Equal(t, constants.StepBasicInfo, tracker.Retreat(0))
}

// TestStepForStatus 根据状态恢复到正确的步骤
func TestStepForStatus(t *testing.T) {
	assert.Equal(t, constants.StepQualification, StepForStatus(constants.StatusStarted))
	assert.Equal(t, constants.StepStatement, StepForStatus(constants.StatusQualified))
	assert.Equal(t, constants.StepAssessment, StepForStatus(constants.StatusStatementRecorded))
	assert.Equal(t, constants.StepComplete, StepForStatus(constants.StatusAIAssessmentComplete))
	assert.Equal(t, constants.StepComplete, StepForStatus(constants.StatusComplete))
	assert.Equal(t, constants.StepBasicInfo, StepForStatus("unknown"), "未知状态应回到第一步")
}

// TestStatusRankMonotonic 状态序号应严格递增
func TestStatusRankMonotonic(t *testing.T) {
	order := []string{
		constants.StatusStarted,
		constants.StatusQualified,
		constants.StatusStatementRecorded,
		constants.StatusAIAssessmentComplete,
		constants.StatusComplete,
	}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, constants.StatusRank[order[i]], constants.StatusRank[order[i-1]],
			"状态 %s 的序号应大于 %s", order[i], order[i-1])
	}
}

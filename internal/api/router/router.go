package router

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"coach-funnel-go/internal/api/handler"
	"coach-funnel-go/internal/assessment"
	"coach-funnel-go/internal/funnel"
	"coach-funnel-go/internal/recording"
)

// advanceRequest 步骤推进请求体：当前步骤索引 + 本步收集的表单字段
type advanceRequest struct {
	CurrentStep int                      `json:"current_step"`
	Draft       *funnel.ApplicationDraft `json:"draft"`
}

// retreatRequest 步骤回退请求体
type retreatRequest struct {
	CurrentStep int `json:"current_step"`
}

// submitRequest 评估回答提交请求体
type submitRequest struct {
	Message string `json:"message"`
}

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, appHandler *handler.ApplicationHandler) {
	api := h.Group("/api/v1")

	// 申请漏斗
	api.POST("/applications", func(c context.Context, ctx *app.RequestContext) {
		var draft funnel.ApplicationDraft
		if err := ctx.BindJSON(&draft); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败"})
			return
		}

		resp, err := appHandler.HandleCreateApplication(c, &draft)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusCreated, resp)
	})

	api.GET("/applications/:id", func(c context.Context, ctx *app.RequestContext) {
		resp, err := appHandler.HandleGetApplication(c, ctx.Param("id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.POST("/applications/:id/advance", func(c context.Context, ctx *app.RequestContext) {
		var req advanceRequest
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败"})
			return
		}
		if req.Draft == nil {
			req.Draft = &funnel.ApplicationDraft{}
		}

		resp, err := appHandler.HandleAdvance(c, ctx.Param("id"), req.CurrentStep, req.Draft)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.POST("/applications/:id/retreat", func(c context.Context, ctx *app.RequestContext) {
		var req retreatRequest
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败"})
			return
		}
		ctx.JSON(consts.StatusOK, appHandler.HandleRetreat(c, ctx.Param("id"), req.CurrentStep))
	})

	// 简历上传（可选文件）
	api.POST("/applications/:id/resume", func(c context.Context, ctx *app.RequestContext) {
		fileHeader, err := ctx.FormFile("file")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "文件未找到"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "打开文件失败"})
			return
		}
		defer file.Close()

		resp, err := appHandler.HandleResumeUpload(c, ctx.Param("id"), file, fileHeader.Size, fileHeader.Filename)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	// 语音陈述录制会话
	api.POST("/applications/:id/recording/start", func(c context.Context, ctx *app.RequestContext) {
		snap, err := appHandler.HandleRecordingStart(c, ctx.Param("id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, snap)
	})

	api.POST("/applications/:id/recording/stop", func(c context.Context, ctx *app.RequestContext) {
		resp, err := appHandler.HandleRecordingStop(c, ctx.Param("id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.POST("/applications/:id/recording/discard", func(c context.Context, ctx *app.RequestContext) {
		if err := appHandler.HandleRecordingDiscard(c, ctx.Param("id")); err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, utils.H{"state": recording.StateIdle})
	})

	api.GET("/applications/:id/recording", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, appHandler.HandleRecordingStatus(ctx.Param("id")))
	})

	// 候选人关闭页面时放弃录制，幂等：没有会话也返回成功
	api.POST("/applications/:id/recording/abandon", func(c context.Context, ctx *app.RequestContext) {
		appHandler.HandleRecordingAbandon(c, ctx.Param("id"))
		ctx.JSON(consts.StatusOK, utils.H{"state": recording.StateIdle})
	})

	api.POST("/applications/:id/recording/confirm", func(c context.Context, ctx *app.RequestContext) {
		fileHeader, err := ctx.FormFile("audio")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "音频文件未找到"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "打开音频文件失败"})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "读取音频内容失败"})
			return
		}

		resp, err := appHandler.HandleRecordingConfirm(c, ctx.Param("id"), data, fileHeader.Filename)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	// AI评估对话
	api.POST("/applications/:id/assessment/begin", func(c context.Context, ctx *app.RequestContext) {
		resp, err := appHandler.HandleAssessmentBegin(c, ctx.Param("id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.POST("/applications/:id/assessment/submit", func(c context.Context, ctx *app.RequestContext) {
		var req submitRequest
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败"})
			return
		}

		resp, err := appHandler.HandleAssessmentSubmit(c, ctx.Param("id"), req.Message)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.GET("/applications/:id/assessment/transcript", func(c context.Context, ctx *app.RequestContext) {
		resp, err := appHandler.HandleAssessmentTranscript(c, ctx.Param("id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	// 健康检查
	api.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}

// writeError 将业务错误映射为HTTP状态码
func writeError(ctx *app.RequestContext, err error) {
	var validationErr *funnel.ValidationError
	var transitionErr *recording.InvalidTransitionError
	var uploadErr *recording.UploadError

	switch {
	case errors.As(err, &validationErr):
		ctx.JSON(consts.StatusUnprocessableEntity, utils.H{
			"error":          validationErr.Error(),
			"step":           validationErr.Step,
			"missing_fields": validationErr.MissingFields,
		})
	case errors.Is(err, funnel.ErrApplicationNotFound),
		errors.Is(err, assessment.ErrSessionNotFound):
		ctx.JSON(consts.StatusNotFound, utils.H{"error": err.Error()})
	case errors.Is(err, handler.ErrOperationBusy),
		errors.Is(err, assessment.ErrSessionActive),
		errors.Is(err, assessment.ErrSessionComplete),
		errors.Is(err, assessment.ErrAlreadyAssessed),
		errors.Is(err, assessment.ErrStatementRequired),
		errors.Is(err, recording.ErrNoArtifact),
		errors.As(err, &transitionErr):
		ctx.JSON(consts.StatusConflict, utils.H{"error": err.Error()})
	case errors.Is(err, assessment.ErrEmptyCandidateText):
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
	case errors.Is(err, recording.ErrPermissionDenied):
		ctx.JSON(consts.StatusForbidden, utils.H{"error": err.Error()})
	case errors.As(err, &uploadErr):
		// 制品被保留，客户端可直接重试确认
		ctx.JSON(consts.StatusBadGateway, utils.H{"error": err.Error(), "retryable": true})
	default:
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
	}
}

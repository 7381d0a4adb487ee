package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/southbooks/invoiceflow/constants"
	"github.com/southbooks/invoiceflow/internal/common"
	"github.com/southbooks/invoiceflow/internal/entity"
	"github.com/southbooks/invoiceflow/internal/pipeline"
)

const (
	headerUserID    = "X-User-ID"
	headerUserName  = "X-User-Name"
	headerOwnerName = "X-Owner-Name"

	maxUploadBytes   = 25 << 20
	defaultWindowMin = 60
)

type jobResponse struct {
	ID             uuid.UUID           `json:"id"`
	FileName       string              `json:"fileName"`
	FileSize       int64               `json:"fileSize"`
	Status         constants.JobStatus `json:"status"`
	InvoiceID      *uuid.UUID          `json:"invoiceId,omitempty"`
	Error          string              `json:"error,omitempty"`
	RetryCount     int                 `json:"retryCount"`
	MaxRetries     int                 `json:"maxRetries"`
	UploadedByName string              `json:"uploadedByName,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

func toJobResponse(j *entity.UploadJob) jobResponse {
	return jobResponse{
		ID:             j.ID,
		FileName:       j.FileName,
		FileSize:       j.FileSize,
		Status:         j.Status,
		InvoiceID:      j.InvoiceID,
		Error:          j.Error,
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		UploadedByName: j.UploadedByName,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func (s *Server) handleSubmit(c *gin.Context) {
	userID, ok := s.callerID(c)
	if !ok {
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the upload size limit"})
		return
	}
	ext := filepath.Ext(fh.Filename)
	if !constants.IsAllowedExt(ext) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported file type %q", ext)})
		return
	}

	if err := os.MkdirAll(s.cfg.Pipeline.UploadDir, 0o755); err != nil {
		s.log.Errorw("upload dir unavailable", "dir", s.cfg.Pipeline.UploadDir, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload storage unavailable"})
		return
	}
	stagedPath := filepath.Join(s.cfg.Pipeline.UploadDir, uuid.New().String()+ext)
	if err := c.SaveUploadedFile(fh, stagedPath); err != nil {
		s.log.Errorw("staging upload failed", "file_name", fh.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not persist upload"})
		return
	}

	job, err := s.manager.Submit(c.Request.Context(), pipeline.SubmitRequest{
		UserID:         userID,
		FileName:       fh.Filename,
		FilePath:       stagedPath,
		FileSize:       fh.Size,
		UploadedByName: c.GetHeader(headerUserName),
		OwnerName:      c.GetHeader(headerOwnerName),
	})
	if err != nil {
		s.renderSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, toJobResponse(job))
}

func (s *Server) renderSubmitError(c *gin.Context, err error) {
	var dup *common.DuplicateError
	if errors.As(err, &dup) {
		date := ""
		if dup.Date != nil {
			date = dup.Date.Format("2006-01-02")
		}
		c.JSON(http.StatusConflict, gin.H{
			"error": "duplicate invoice",
			"duplicate": gin.H{
				"invoiceId":      dup.InvoiceID,
				"fileName":       dup.FileName,
				"date":           date,
				"totalAmount":    dup.TotalAmount,
				"counterparty":   dup.Counterparty,
				"invoiceNumber":  dup.InvoiceNumber,
				"uploadedByName": dup.UploadedByName,
			},
		})
		return
	}
	if errors.Is(err, common.ErrAlreadyInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "an identical file is already being processed"})
		return
	}
	if errors.Is(err, common.ErrHeldInQuarantine) {
		c.JSON(http.StatusConflict, gin.H{"error": "an identical file is quarantined awaiting operator action"})
		return
	}
	s.log.Errorw("upload submission failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "upload could not be admitted"})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	job, err := s.manager.GetJob(c.Request.Context(), id)
	if err != nil {
		s.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) handleRecentJobs(c *gin.Context) {
	userID, ok := s.callerID(c)
	if !ok {
		return
	}
	jobs, err := s.manager.GetRecentJobs(c.Request.Context(), userID, s.windowParam(c))
	if err != nil {
		s.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobList(jobs))
}

func (s *Server) handleAllJobs(c *gin.Context) {
	jobs, err := s.manager.GetAllJobs(c.Request.Context(), s.windowParam(c))
	if err != nil {
		s.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobList(jobs))
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.manager.DeleteJob(c.Request.Context(), id); err != nil {
		s.renderLookupError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRetryJob(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	job, err := s.manager.RetryJob(c.Request.Context(), id)
	if err != nil {
		s.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) handleQuarantineJob(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	job, err := s.manager.QuarantineJob(c.Request.Context(), id)
	if err != nil {
		s.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) renderLookupError(c *gin.Context, err error) {
	if errors.Is(err, common.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) && errors.Is(err, common.ErrInvalidInput) {
		c.JSON(http.StatusConflict, gin.H{"error": appErr.Message})
		return
	}
	s.log.Errorw("job operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (s *Server) callerID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader(headerUserID)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": headerUserID + " header is required"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": headerUserID + " is not a valid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job id is not a valid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) windowParam(c *gin.Context) time.Duration {
	minutes := defaultWindowMin
	if raw := c.Query("minutes"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			minutes = v
		}
	}
	return time.Duration(minutes) * time.Minute
}

func toJobList(jobs []entity.UploadJob) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobResponse(&jobs[i]))
	}
	return out
}

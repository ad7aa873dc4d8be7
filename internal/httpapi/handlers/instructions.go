package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/kitbot/internal/common"
	"github.com/suPer8Hu/kitbot/internal/instructions"
)

// Upload stores the multipart "file" in the instructions directory and
// schedules a prompt broadcast.
func (h *Handler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidFile, "Invalid filename")
		return
	}
	f, err := fh.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidFile, "Invalid filename")
		return
	}
	defer f.Close()

	name, err := h.Store.Save(fh.Filename, f)
	switch {
	case errors.Is(err, instructions.ErrInvalidFilename):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidFile, "Invalid filename")
		return
	case errors.Is(err, instructions.ErrFileTypeNotAllowed):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidFile, "File type not allowed")
		return
	case err != nil:
		lg := h.logger(c)
		lg.Error().Err(err).Str("file", fh.Filename).Msg("save instruction file")
		common.Fail(c, http.StatusInternalServerError, common.CodeStorage, "failed to save file")
		return
	}

	h.Reloader.Trigger()
	common.OK(c, gin.H{"filename": name})
}

type deleteReq struct {
	Resources []string `json:"resources"`
}

func (h *Handler) Delete(c *gin.Context) {
	var req deleteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	res, err := h.Store.Delete(req.Resources)
	if errors.Is(err, instructions.ErrNoFiles) {
		common.Fail(c, http.StatusBadRequest, common.CodeNoFiles, "No files specified for deletion")
		return
	}
	if err != nil {
		lg := h.logger(c)
		lg.Error().Err(err).Msg("delete instruction files")
		common.Fail(c, http.StatusInternalServerError, common.CodeStorage, "failed to delete files")
		return
	}

	h.Reloader.Trigger()
	common.OK(c, res)
}

func (h *Handler) List(c *gin.Context) {
	files, err := h.Store.List()
	if err != nil {
		lg := h.logger(c)
		lg.Error().Err(err).Msg("list instruction files")
		common.Fail(c, http.StatusInternalServerError, common.CodeStorage, "failed to list files")
		return
	}
	common.OK(c, files)
}

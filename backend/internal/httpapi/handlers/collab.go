package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/collab"
)

type CollabHandler struct {
	svc *collab.Engine
}

func NewCollabHandler(svc *collab.Engine) *CollabHandler {
	return &CollabHandler{svc: svc}
}

// GetCollab 不建立订阅，直接读对象的当前物化值。
// 从未写入过的对象返回 404 RECORD_NOT_FOUND。
func (h *CollabHandler) GetCollab(c *gin.Context) {
	objectID := c.Param("objectID")
	if objectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "object id missing"})
		return
	}
	collabType := collab.CollabType(c.DefaultQuery("collabType", string(collab.CollabTypeDocument)))

	value, err := h.svc.GetCollab(c.Request.Context(), objectID, collabType)
	if err != nil {
		if errors.Is(err, collab.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "RECORD_NOT_FOUND", "message": "collab not found: " + objectID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"objectId":   objectID,
		"collabType": string(collabType),
		"value":      value,
	})
}

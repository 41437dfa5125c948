package handler

import (
	"net/http"
	"strconv"

	"data-rsync/internal/errs"

	"github.com/gin-gonic/gin"
)

// statusOf 错误分类 -> HTTP 状态码
func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindConfiguration, errs.KindData:
		return http.StatusBadRequest
	case errs.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error(), "kind": errs.KindOf(err)})
}

// idParam 解析路径中的 :id, 非法时直接返回 400
func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id " + strconv.Quote(c.Param("id"))})
		return 0, false
	}
	return uint(id), true
}

//go:build !swagger

package api

import "github.com/gin-gonic/gin"

// registerSwaggerRoutes 在未启用 swagger 标签时不注册任何路由
func registerSwaggerRoutes(engine *gin.Engine) {}

package api

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// registerOpenAPIRoutes 提供 /openapi 与 /docs/redoc
func registerOpenAPIRoutes(engine *gin.Engine) {
	engine.GET("/openapi", serveOpenAPI)
	engine.GET("/openapi.yaml", serveOpenAPI)
	engine.GET("/docs/redoc", serveRedoc)
	engine.GET("/docs/ui", serveSwaggerUI)
}

func serveOpenAPI(c *gin.Context) {
	c.Header("Content-Type", "application/yaml; charset=utf-8")
	c.File("docs/api/openapi.yaml")
}

func serveRedoc(c *gin.Context) {
	// 优先使用本地redoc资源，离线可用；否则回退到CDN
	scriptSrc := "https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"
	if _, err := os.Stat("static/vendors/redoc/redoc.standalone.js"); err == nil {
		scriptSrc = "/static/vendors/redoc/redoc.standalone.js"
	}

	html := `<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Serial Bridge API - Redoc</title>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
      body{margin:0;padding:0;font-family:-apple-system,Segoe UI,Helvetica,Arial,sans-serif}
    </style>
  </head>
  <body>
    <redoc spec-url="/openapi"></redoc>
    <script src="` + scriptSrc + `"></script>
  </body>
</html>`

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

func serveSwaggerUI(c *gin.Context) {
	// 使用本地swagger-ui-dist（若存在），否则回退CDN
	cssHref := "https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"
	jsBundle := "https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"
	if _, err := os.Stat("static/vendors/swagger-ui/swagger-ui.css"); err == nil {
		if _, err2 := os.Stat("static/vendors/swagger-ui/swagger-ui-bundle.js"); err2 == nil {
			cssHref = "/static/vendors/swagger-ui/swagger-ui.css"
			jsBundle = "/static/vendors/swagger-ui/swagger-ui-bundle.js"
		}
	}

	html := `<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Serial Bridge API - Swagger UI</title>
    <link rel="stylesheet" href="` + cssHref + `" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="` + jsBundle + `"></script>
    <script>
      window.onload = function() {
        window.ui = SwaggerUIBundle({
          url: '/openapi',
          dom_id: '#swagger-ui',
          docExpansion: 'none'
        });
      };
    </script>
  </body>
</html>`

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

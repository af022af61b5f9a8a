package router

import (
	"io"
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"

	"github.com/priyxstudio/forge/config"
	"github.com/priyxstudio/forge/internal/models"
	"github.com/priyxstudio/forge/modules"
	"github.com/priyxstudio/forge/router/middleware"
)

// ModuleInfo represents module information in API responses.
type ModuleInfo struct {
	Slug        string              `json:"slug"`
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	Status      models.ModuleStatus `json:"status"`
	HasBackend  bool                `json:"has_backend"`
	HasFrontend bool                `json:"has_frontend"`
	InstalledAt string              `json:"installed_at"`
	ActivatedAt string              `json:"activated_at,omitempty"`
	Installing  bool                `json:"installing"`
	Actions     []modules.Action    `json:"allowed_actions"`
}

// ModuleListResponse contains a list of modules.
type ModuleListResponse struct {
	Data []ModuleInfo `json:"data"`
}

func moduleInfo(m *modules.Manager, mod *models.Module) ModuleInfo {
	info := ModuleInfo{
		Slug:        mod.Slug,
		Name:        mod.Name,
		Version:     mod.Version,
		Status:      mod.Status,
		HasBackend:  mod.HasBackend,
		HasFrontend: mod.HasFrontend,
		InstalledAt: mod.InstalledAt.Format(time.RFC3339),
		Installing:  m.IsInstalling(mod.Slug),
		Actions:     modules.AllowedActions(mod.Status),
	}
	if mod.ActivatedAt != nil {
		info.ActivatedAt = mod.ActivatedAt.Format(time.RFC3339)
	}
	return info
}

// getModules returns every module record.
func getModules(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)
	mods, err := m.List(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	data := make([]ModuleInfo, 0, len(mods))
	for i := range mods {
		data = append(data, moduleInfo(m, &mods[i]))
	}
	c.JSON(http.StatusOK, ModuleListResponse{Data: data})
}

// getModule returns a single module record.
func getModule(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)
	mod, err := m.Get(c.Request.Context(), c.Param("module"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, moduleInfo(m, mod))
}

// getModuleMigrations returns the migration ledger rows for a module.
func getModuleMigrations(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)
	rows, err := m.Migrations(c.Request.Context(), c.Param("module"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

// postModuleInstall accepts a module package archive as a multipart upload and
// begins installation. Extraction runs in the background; the module stays in
// the installed state and the response indicates it should be polled.
func postModuleInstall(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)

	limit := config.Get().Api.UploadLimit << 20
	fh, err := c.FormFile("package")
	if err != nil {
		middleware.CaptureAndAbort(c, errors.Wrap(err, "router: request is missing a \"package\" file upload"))
		return
	}
	if fh.Size > limit {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "the uploaded package exceeds the configured upload limit",
		})
		return
	}
	f, err := fh.Open()
	if err != nil {
		middleware.CaptureAndAbort(c, errors.Wrap(err, "router: failed to open uploaded package"))
		return
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		middleware.CaptureAndAbort(c, errors.Wrap(err, "router: failed to read uploaded package"))
		return
	}
	if int64(len(b)) > limit {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "the uploaded package exceeds the configured upload limit",
		})
		return
	}

	mod, err := m.Install(c.Request.Context(), b, c.GetHeader("X-Operator-Id"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, moduleInfo(m, mod))
}

// postModulePrepareDatabase applies a module's pending migrations and seeds.
func postModulePrepareDatabase(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)
	slug := c.Param("module")
	if err := m.PrepareDatabase(c.Request.Context(), slug, c.GetHeader("X-Operator-Id")); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondWithModule(c, m, slug)
}

// postModuleActivate activates a module.
func postModuleActivate(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)
	slug := c.Param("module")
	if err := m.Activate(c.Request.Context(), slug); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondWithModule(c, m, slug)
}

// postModuleDeactivate deactivates a module.
func postModuleDeactivate(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)
	slug := c.Param("module")
	if err := m.Deactivate(c.Request.Context(), slug); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	respondWithModule(c, m, slug)
}

// deleteModule uninstalls a module. Never permitted while the module is
// active.
func deleteModule(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)
	if err := m.Uninstall(c.Request.Context(), c.Param("module")); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// postModulesCheck runs the on-demand consistency check, force-disabling any
// module whose package directory is missing from disk.
func postModulesCheck(c *gin.Context) {
	m := middleware.ExtractLifecycleManager(c)
	disabled, err := m.CheckConsistency(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	if disabled == nil {
		disabled = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"disabled": disabled})
}

func respondWithModule(c *gin.Context, m *modules.Manager, slug string) {
	mod, err := m.Get(c.Request.Context(), slug)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, moduleInfo(m, mod))
}

// Package deploy implements the build pipeline: validate the uploaded
// archive, synthesize the entry point, generate the build recipe, build the
// image, and flip the active deployment.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dartcloud/dartcloud/internal/archive"
	"github.com/dartcloud/dartcloud/internal/config"
	"github.com/dartcloud/dartcloud/internal/dockerfile"
	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/fsx"
	"github.com/dartcloud/dartcloud/internal/logging"
	"github.com/dartcloud/dartcloud/internal/metrics"
	"github.com/dartcloud/dartcloud/internal/observability"
	"github.com/dartcloud/dartcloud/internal/runtime"
	"github.com/dartcloud/dartcloud/internal/store"
	"github.com/dartcloud/dartcloud/internal/synth"
)

// buildLogCap bounds the build log excerpt persisted with a deployment.
const buildLogCap = 64 * 1024

// Deployer runs the build pipeline. Deployments of the same function are
// single-flight: a second upload while a build is in progress is rejected
// with a conflict instead of queueing.
type Deployer struct {
	store   store.Store
	rt      runtime.Runtime
	fs      fsx.FS
	cfg     *config.Config
	metrics *metrics.Metrics

	inflight sync.Map // function id -> struct{}
}

// New returns a Deployer.
func New(s store.Store, rt runtime.Runtime, fs fsx.FS, cfg *config.Config, m *metrics.Metrics) *Deployer {
	return &Deployer{store: s, rt: rt, fs: fs, cfg: cfg, metrics: m}
}

// Deploy uploads a new version of the named function, creating the function
// on first deploy. The archive is persisted before the build starts so a
// later rollback can rebuild any version from source.
func (d *Deployer) Deploy(ctx context.Context, ownerID, name string, archiveData []byte, skipSigning bool) (*domain.Function, *domain.Deployment, error) {
	ctx, span := observability.StartSpan(ctx, "deploy")
	defer span.End()

	fn, err := d.ensureFunction(ctx, ownerID, name, skipSigning)
	if err != nil {
		return nil, nil, err
	}

	if _, loaded := d.inflight.LoadOrStore(fn.ID, struct{}{}); loaded {
		return nil, nil, fmt.Errorf("%w: a deployment of %s is already in progress", domain.ErrConflict, name)
	}
	defer d.inflight.Delete(fn.ID)

	workDir, err := d.fs.TempDir("dartcloud-build-")
	if err != nil {
		return nil, nil, fmt.Errorf("create build dir: %w", err)
	}
	defer workDir.Close()

	if err := d.prepareContext(archiveData, workDir.Path); err != nil {
		return nil, nil, err
	}

	archiveKey, err := d.persistArchive(fn.ID, archiveData)
	if err != nil {
		return nil, nil, err
	}

	dep, err := d.store.CreateDeployment(ctx, fn.ID, archiveKey)
	if err != nil {
		return nil, nil, err
	}

	log := logging.Op().With("function", name, "deployment", dep.ID, "version", dep.Version)
	log.Info("building image", "image_tag", dep.ImageTag)

	if err := d.build(ctx, workDir.Path, dep); err != nil {
		return nil, nil, err
	}

	previousTag, err := d.store.ActivateDeployment(ctx, fn.ID, dep.ID)
	if err != nil {
		return nil, nil, err
	}
	d.removeOldImage(ctx, previousTag, dep.ImageTag)

	log.Info("deployment active")
	dep.Status = domain.DeploymentReady
	dep.IsActive = true
	return fn, dep, nil
}

// Rollback re-activates an earlier version. version <= 0 selects the newest
// ready version below the currently active one. The image is rebuilt from
// the persisted archive since images of inactive versions are reclaimed.
func (d *Deployer) Rollback(ctx context.Context, functionID string, version int) (*domain.Deployment, error) {
	ctx, span := observability.StartSpan(ctx, "rollback")
	defer span.End()

	if _, loaded := d.inflight.LoadOrStore(functionID, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: a deployment is already in progress", domain.ErrConflict)
	}
	defer d.inflight.Delete(functionID)

	target, err := d.selectRollbackTarget(ctx, functionID, version)
	if err != nil {
		return nil, err
	}

	data, err := d.fs.ReadFile(filepath.Join(d.cfg.Paths.FunctionsDir, functionID, target.ArchiveKey))
	if err != nil {
		return nil, fmt.Errorf("read archived source for v%d: %w", target.Version, err)
	}

	workDir, err := d.fs.TempDir("dartcloud-rollback-")
	if err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}
	defer workDir.Close()

	if err := d.prepareContext(data, workDir.Path); err != nil {
		return nil, err
	}
	if err := d.build(ctx, workDir.Path, target); err != nil {
		return nil, err
	}

	previousTag, err := d.store.ActivateDeployment(ctx, functionID, target.ID)
	if err != nil {
		return nil, err
	}
	d.removeOldImage(ctx, previousTag, target.ImageTag)

	logging.Op().Info("rolled back", "function_id", functionID, "version", target.Version)
	target.Status = domain.DeploymentReady
	target.IsActive = true
	return target, nil
}

// ensureFunction resolves the function by name, creating it on first deploy.
func (d *Deployer) ensureFunction(ctx context.Context, ownerID, name string, skipSigning bool) (*domain.Function, error) {
	fn, err := d.store.GetFunctionByName(ctx, ownerID, name)
	if err == nil {
		return fn, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	fn = &domain.Function{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Name:        name,
		Status:      domain.FunctionActive,
		SkipSigning: skipSigning,
	}
	if err := d.store.CreateFunction(ctx, fn); err != nil {
		return nil, err
	}
	return fn, nil
}

// prepareContext extracts and validates the archive into dir, synthesizes the
// entry point, and writes the build recipe.
func (d *Deployer) prepareContext(archiveData []byte, dir string) error {
	// Uncompressed cap: ten times the upload cap guards against zip bombs
	// without rejecting legitimately compressible source trees.
	maxBytes := int64(d.cfg.Function.MaxRequestSizeMB) * 10 * (1 << 20)
	if err := archive.ExtractTarGz(archiveData, dir, maxBytes); err != nil {
		return err
	}
	if err := archive.ValidateTree(dir); err != nil {
		return err
	}
	if _, err := synth.Synthesize(dir); err != nil {
		return err
	}

	recipe := dockerfile.Generate(dockerfile.Params{BuildImage: d.cfg.Container.BaseImage})
	if err := d.fs.WriteFile(filepath.Join(dir, dockerfile.RecipeFileName), []byte(recipe), 0644); err != nil {
		return fmt.Errorf("write recipe: %w", err)
	}
	return nil
}

// persistArchive stores the upload under the function's archives directory
// and returns the key relative to the function root.
func (d *Deployer) persistArchive(functionID string, data []byte) (string, error) {
	key := filepath.Join("archives", uuid.New().String()+".tar.gz")
	dir := filepath.Join(d.cfg.Paths.FunctionsDir, functionID, "archives")
	if err := d.fs.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("create archives dir: %w", err)
	}
	path := filepath.Join(d.cfg.Paths.FunctionsDir, functionID, key)
	if err := d.fs.WriteFileAtomic(path, data, 0644); err != nil {
		return "", fmt.Errorf("persist archive: %w", err)
	}
	return key, nil
}

// build runs the image build and records the outcome on the deployment row.
func (d *Deployer) build(ctx context.Context, contextDir string, dep *domain.Deployment) error {
	start := time.Now()
	result, err := d.rt.Build(ctx, contextDir, filepath.Join(contextDir, dockerfile.RecipeFileName), dep.ImageTag)
	d.metrics.BuildDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		d.metrics.BuildsTotal.WithLabelValues("error").Inc()
		d.failDeployment(ctx, dep.ID, err.Error())
		return fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}
	logs := capLogs(result.Stdout + result.Stderr)
	if result.ExitCode != 0 {
		d.metrics.BuildsTotal.WithLabelValues("failed").Inc()
		d.failDeployment(ctx, dep.ID, logs)
		return fmt.Errorf("%w: exit code %d", domain.ErrBuildFailed, result.ExitCode)
	}

	d.metrics.BuildsTotal.WithLabelValues("ok").Inc()
	if err := d.store.SetDeploymentStatus(ctx, dep.ID, domain.DeploymentReady, logs); err != nil {
		return err
	}
	dep.BuildLogs = logs
	return nil
}

func (d *Deployer) failDeployment(ctx context.Context, deploymentID, logs string) {
	if err := d.store.SetDeploymentStatus(ctx, deploymentID, domain.DeploymentFailed, capLogs(logs)); err != nil {
		logging.Op().Error("mark deployment failed", "deployment", deploymentID, "error", err)
	}
}

// selectRollbackTarget picks the deployment to re-activate. Only ready
// versions qualify; the active one is never a target.
func (d *Deployer) selectRollbackTarget(ctx context.Context, functionID string, version int) (*domain.Deployment, error) {
	deps, err := d.store.ListDeployments(ctx, functionID)
	if err != nil {
		return nil, err
	}

	activeVersion := 0
	for _, dep := range deps {
		if dep.IsActive {
			activeVersion = dep.Version
		}
	}

	for _, dep := range deps { // sorted by version descending
		if dep.Status != domain.DeploymentReady || dep.IsActive {
			continue
		}
		if version > 0 && dep.Version != version {
			continue
		}
		if version <= 0 && activeVersion > 0 && dep.Version > activeVersion {
			continue
		}
		return dep, nil
	}

	if version > 0 {
		return nil, fmt.Errorf("%w: no ready deployment at version %d", domain.ErrNotFound, version)
	}
	return nil, fmt.Errorf("%w: no earlier ready deployment to roll back to", domain.ErrNotFound)
}

// removeOldImage reclaims the image of the version that just went inactive.
// Best effort: a failure leaves a stale image, not a broken deployment.
func (d *Deployer) removeOldImage(ctx context.Context, previousTag, currentTag string) {
	if previousTag == "" || previousTag == currentTag {
		return
	}
	if err := d.rt.RemoveImage(ctx, previousTag); err != nil {
		logging.Op().Warn("remove previous image", "image_tag", previousTag, "error", err)
	}
}

func capLogs(s string) string {
	if len(s) <= buildLogCap {
		return strings.ToValidUTF8(s, "")
	}
	return strings.ToValidUTF8(s[len(s)-buildLogCap:], "")
}

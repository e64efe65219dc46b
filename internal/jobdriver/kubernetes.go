package jobdriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/engine"
	"github.com/shaiso/Stagehand/internal/k8s"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

const (
	defaultLogTailLines   = 50
	maxDiagnosticsLen     = 4000
	defaultRunDirBase     = "/data/runs"
	defaultEphemeralLimit = "128Mi"
)

// Archiver сохраняет полный лог упавшего job и возвращает ссылку на него.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) (string, error)
}

// Config — конфигурация KubernetesDriver.
type Config struct {
	Client *k8s.Client

	// Namespace по умолчанию для job'ов (если шаблон не задаёт свой).
	Namespace string

	// JobTTLSeconds — ttlSecondsAfterFinished по умолчанию. 0 — не задавать.
	JobTTLSeconds int32

	ServiceAccount string

	// LimitMultiplier — лимит = request * (1 + LimitMultiplier).
	LimitMultiplier float64

	// CPULimits — выставлять ли лимит CPU.
	CPULimits bool

	// SecretName и SecretEnv: env-переменные из секрета (ENV_NAME → ключ секрета).
	SecretName string
	SecretEnv  map[string]string

	// RunDirBase — базовый каталог для {{ .RunDir }}.
	RunDirBase string

	// LogTailLines — сколько строк лога каждого pod'а попадает в диагностику.
	LogTailLines int

	// Archive — необязательный архив полных логов.
	Archive Archiver

	Logger *slog.Logger
}

// KubernetesDriver создаёт и наблюдает Kubernetes Job'ы.
type KubernetesDriver struct {
	client          *k8s.Client
	namespace       string
	jobTTLSeconds   int32
	serviceAccount  string
	limitMultiplier float64
	cpuLimits       bool
	secretName      string
	secretEnv       map[string]string
	runDirBase      string
	logTailLines    int
	archive         Archiver
	logger          *slog.Logger
}

// NewKubernetesDriver создаёт драйвер.
func NewKubernetesDriver(cfg Config) (*KubernetesDriver, error) {
	if cfg.Client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = cfg.Client.Namespace()
	}
	if cfg.JobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	if cfg.LimitMultiplier < 0 {
		return nil, errors.New("limit multiplier must be non-negative")
	}
	if cfg.RunDirBase == "" {
		cfg.RunDirBase = defaultRunDirBase
	}
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = defaultLogTailLines
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &KubernetesDriver{
		client:          cfg.Client,
		namespace:       namespace,
		jobTTLSeconds:   cfg.JobTTLSeconds,
		serviceAccount:  strings.TrimSpace(cfg.ServiceAccount),
		limitMultiplier: cfg.LimitMultiplier,
		cpuLimits:       cfg.CPULimits,
		secretName:      cfg.SecretName,
		secretEnv:       cfg.SecretEnv,
		runDirBase:      cfg.RunDirBase,
		logTailLines:    cfg.LogTailLines,
		archive:         cfg.Archive,
		logger:          cfg.Logger.With("component", "jobdriver"),
	}, nil
}

// Submit создаёт job для попытки стадии.
//
// Повторный вызов для той же (run, stage, attempt) возвращает ссылку
// на уже созданный job. Ошибки — *SubmissionError.
func (d *KubernetesDriver) Submit(ctx context.Context, req domain.JobRequest) (domain.JobRef, error) {
	job, err := d.buildJob(req)
	if err != nil {
		telemetry.SubmitErrors.WithLabelValues("permanent").Inc()
		return domain.JobRef{}, permanent(err)
	}
	ref := domain.JobRef{Namespace: job.Metadata.Namespace, Name: job.Metadata.Name}

	_, err = d.client.CreateJob(ctx, ref.Namespace, job)
	switch {
	case err == nil:
		telemetry.JobsSubmitted.WithLabelValues(req.Stage.Name).Inc()
		d.logger.Info("job created", "job", ref.String(), "run_id", req.RunID, "stage", req.Stage.Name, "attempt", req.Attempt)
		return ref, nil

	case errors.Is(err, k8s.ErrAlreadyExists):
		return d.adoptExisting(ctx, req, ref)
	}

	kind := "transient"
	wrapped := transient(err)
	if code := k8s.StatusCode(err); code == http.StatusBadRequest || code == http.StatusUnprocessableEntity {
		kind = "permanent"
		wrapped = permanent(err)
	}
	telemetry.SubmitErrors.WithLabelValues(kind).Inc()
	return domain.JobRef{}, wrapped
}

// Ref возвращает ссылку на job попытки без обращения к API.
// Пустая ссылка — шаблон не рендерится, и такой job создан быть не мог.
func (d *KubernetesDriver) Ref(req domain.JobRequest) domain.JobRef {
	job, err := d.buildJob(req)
	if err != nil {
		return domain.JobRef{}
	}
	return domain.JobRef{Namespace: job.Metadata.Namespace, Name: job.Metadata.Name}
}

// adoptExisting проверяет, что существующий job создан этой же попыткой.
func (d *KubernetesDriver) adoptExisting(ctx context.Context, req domain.JobRequest, ref domain.JobRef) (domain.JobRef, error) {
	existing, err := d.client.GetJob(ctx, ref.Namespace, ref.Name)
	if err != nil {
		// job мог быть удалён между create и get — на следующем тике создадим снова
		telemetry.SubmitErrors.WithLabelValues("transient").Inc()
		return domain.JobRef{}, transient(fmt.Errorf("get existing job: %w", err))
	}
	if existing.Metadata.Labels[LabelRunID] != req.RunID.String() {
		telemetry.SubmitErrors.WithLabelValues("permanent").Inc()
		return domain.JobRef{}, permanent(fmt.Errorf("%w: %s", ErrNameCollision, ref.String()))
	}

	d.logger.Debug("job already exists", "job", ref.String(), "run_id", req.RunID)
	return ref, nil
}

// buildJob рендерит шаблон стадии в batch/v1 Job.
func (d *KubernetesDriver) buildJob(req domain.JobRequest) (k8s.Job, error) {
	tmpl, err := engine.RenderJobTemplate(req.Stage.Template, engine.NewContext(req, d.runDirBase))
	if err != nil {
		return k8s.Job{}, fmt.Errorf("render template: %w", err)
	}
	if strings.TrimSpace(tmpl.Image) == "" {
		return k8s.Job{}, errors.New("stage template has empty image")
	}
	if tmpl.EphemeralStorage == "" {
		tmpl.EphemeralStorage = defaultEphemeralLimit
	}

	resources, err := buildResources(tmpl, d.limitMultiplier, d.cpuLimits)
	if err != nil {
		return k8s.Job{}, err
	}

	namespace := strings.TrimSpace(tmpl.Namespace)
	if namespace == "" {
		namespace = d.namespace
	}
	labels := jobLabels(req.RunID, req.PipelineType, req.Stage.Name, req.Attempt)

	container := k8s.Container{
		Name:      containerName(req.Stage.Name),
		Image:     tmpl.Image,
		Command:   tmpl.Command,
		Args:      tmpl.Args,
		Env:       d.buildEnv(req, tmpl.Env),
		Resources: resources,
	}

	restartPolicy := tmpl.RestartPolicy
	if restartPolicy == "" {
		restartPolicy = "Never"
	}
	serviceAccount := tmpl.ServiceAccount
	if serviceAccount == "" {
		serviceAccount = d.serviceAccount
	}

	// повторы делает supervisor, поэтому по умолчанию backoffLimit=0
	backoff := int32(0)
	if tmpl.BackoffLimit != nil {
		backoff = *tmpl.BackoffLimit
	}
	ttl := tmpl.TTLSecondsAfterFinished
	if ttl == nil && d.jobTTLSeconds > 0 {
		v := d.jobTTLSeconds
		ttl = &v
	}

	return k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      JobName(req.Stage.Name, req.RunID, req.Attempt),
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			ActiveDeadlineSeconds:   tmpl.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec: k8s.PodSpec{
					RestartPolicy:      restartPolicy,
					ServiceAccountName: serviceAccount,
					NodeSelector:       tmpl.NodeSelector,
					Containers:         []k8s.Container{container},
				},
			},
		},
	}, nil
}

// buildEnv: служебные переменные, затем env шаблона и секреты (отсортированы по имени).
func (d *KubernetesDriver) buildEnv(req domain.JobRequest, env map[string]string) []k8s.EnvVar {
	vars := []k8s.EnvVar{
		{Name: "STAGEHAND_RUN_ID", Value: req.RunID.String()},
		{Name: "STAGEHAND_PIPELINE", Value: req.PipelineType},
		{Name: "STAGEHAND_STAGE", Value: req.Stage.Name},
		{Name: "STAGEHAND_ATTEMPT", Value: strconv.Itoa(req.Attempt)},
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.TrimSpace(k) == "" || strings.HasPrefix(k, "STAGEHAND_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vars = append(vars, k8s.EnvVar{Name: k, Value: env[k]})
	}

	if d.secretName != "" {
		names := make([]string, 0, len(d.secretEnv))
		for name := range d.secretEnv {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			vars = append(vars, k8s.EnvVar{
				Name: name,
				ValueFrom: &k8s.EnvVarSource{SecretKeyRef: &k8s.SecretKeySelector{
					Name: d.secretName,
					Key:  d.secretEnv[name],
				}},
			})
		}
	}
	return vars
}

// Status возвращает наблюдаемую фазу job.
// Ошибка означает, что статус сейчас неизвестен (сеть, таймаут, 5xx).
func (d *KubernetesDriver) Status(ctx context.Context, ref domain.JobRef) (domain.Observation, error) {
	job, err := d.client.GetJob(ctx, ref.Namespace, ref.Name)
	if errors.Is(err, k8s.ErrNotFound) {
		return domain.Observation{Phase: domain.PhaseNotFound}, nil
	}
	if err != nil {
		return domain.Observation{}, fmt.Errorf("get job %s: %w", ref.String(), err)
	}
	return Classify(job), nil
}

// Classify переводит статус batch/v1 Job в domain.Observation.
func Classify(job k8s.Job) domain.Observation {
	if cond, ok := job.Condition(k8s.JobFailed); ok {
		return domain.Observation{Phase: domain.PhaseFailed, Message: conditionText(cond)}
	}
	if _, ok := job.Condition(k8s.JobComplete); ok {
		return domain.Observation{Phase: domain.PhaseSucceeded}
	}

	st := job.Status
	switch {
	case st.Active > 0:
		return domain.Observation{Phase: domain.PhaseRunning}
	case st.StartTime == nil && st.Failed == 0 && st.Succeeded == 0:
		return domain.Observation{Phase: domain.PhasePending}
	case st.Failed > 0 || st.Succeeded > 0:
		// pod'ы завершились, но контроллер ещё не выставил условие
		return domain.Observation{Phase: domain.PhaseRunning}
	default:
		return domain.Observation{Phase: domain.PhaseUnknown}
	}
}

func conditionText(c k8s.JobCondition) string {
	reason := strings.TrimSpace(c.Reason)
	message := strings.TrimSpace(c.Message)
	switch {
	case reason != "" && message != "":
		return reason + ": " + message
	case message != "":
		return message
	case reason != "":
		return reason
	default:
		return "job failed"
	}
}

// Diagnostics собирает хвост логов pod'ов job.
// Полные логи, если настроен архив, сохраняются и ссылка добавляется в конец.
func (d *KubernetesDriver) Diagnostics(ctx context.Context, ref domain.JobRef) (string, error) {
	pods, err := d.client.ListPods(ctx, ref.Namespace, "job-name="+ref.Name)
	if err != nil {
		return "", fmt.Errorf("list pods: %w", err)
	}
	if len(pods) == 0 {
		return "", nil
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].Metadata.Name < pods[j].Metadata.Name })

	var summary, full strings.Builder
	for _, pod := range pods {
		header := podHeader(pod)
		summary.WriteString(header)

		tail, err := d.client.GetPodLog(ctx, ref.Namespace, pod.Metadata.Name, d.logTailLines)
		if err != nil {
			d.logger.Warn("failed to read pod log", "pod", pod.Metadata.Name, "error", err)
		} else {
			summary.WriteString(tail)
		}

		if d.archive != nil {
			log, err := d.client.GetPodLog(ctx, ref.Namespace, pod.Metadata.Name, 0)
			if err == nil {
				full.WriteString(header)
				full.WriteString(log)
			}
		}
	}

	text := truncateHead(summary.String(), maxDiagnosticsLen)
	if d.archive != nil && full.Len() > 0 {
		uri, err := d.archive.Archive(ctx, ref.Namespace+"/"+ref.Name+".log", []byte(full.String()))
		if err != nil {
			d.logger.Warn("failed to archive job logs", "job", ref.String(), "error", err)
		} else {
			text += "\nfull log: " + uri
		}
	}
	return text, nil
}

func podHeader(pod k8s.Pod) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- pod %s (%s", pod.Metadata.Name, pod.Status.Phase)
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil {
			fmt.Fprintf(&b, ", %s exit %d", cs.Name, t.ExitCode)
			if t.Reason != "" {
				fmt.Fprintf(&b, " %s", t.Reason)
			}
		}
	}
	b.WriteString(")\n")
	return b.String()
}

// Cleanup удаляет job. Ошибки только логируются.
func (d *KubernetesDriver) Cleanup(ctx context.Context, ref domain.JobRef) {
	if ref.IsZero() {
		return
	}
	err := d.client.DeleteJob(ctx, ref.Namespace, ref.Name)
	if err == nil || errors.Is(err, k8s.ErrNotFound) {
		d.logger.Debug("job deleted", "job", ref.String())
		return
	}
	telemetry.CleanupErrors.Inc()
	d.logger.Warn("failed to delete job", "job", ref.String(), "error", err)
}

// containerName — имя контейнера из имени стадии (DNS-1123 label).
func containerName(stage string) string {
	name := sanitize(stage)
	if name == "" {
		return "stage"
	}
	return name
}

// truncateHead оставляет последние limit байт: конец лога информативнее начала.
func truncateHead(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[len(s)-limit:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return "...\n" + cut
}

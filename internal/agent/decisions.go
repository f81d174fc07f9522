package agent

// 以下类型对应各节点要求大模型返回的 JSON 结构，validate 标签由 llm.Decode 校验。

// ObservationKind 区分事实发现与必须遵守的规则。
type ObservationKind string

const (
	KindObservation ObservationKind = "observation"
	KindRule        ObservationKind = "rule"
)

// ObservationSource 标识观察结论的来源，冲突时 spec > user > data。
type ObservationSource string

const (
	SourceData ObservationSource = "data"
	SourceSpec ObservationSource = "spec"
	SourceUser ObservationSource = "user"
)

// StepObservation 是从一次代码执行中提炼出的结论。
type StepObservation struct {
	StepNumber int               `json:"step_number"`
	Title      string            `json:"title" validate:"required"`
	Summary    string            `json:"summary" validate:"required"`
	Kind       ObservationKind   `json:"kind,omitempty" validate:"omitempty,oneof=observation rule"`
	Source     ObservationSource `json:"source,omitempty" validate:"omitempty,oneof=data spec user"`
	RawOutput  string            `json:"raw_output,omitempty"`
	Importance int               `json:"importance" validate:"min=1,max=5"`
	Relevance  int               `json:"relevance" validate:"required,min=1,max=5"`
}

// normalize 为缺省字段补上默认值。
func (o *StepObservation) normalize() {
	if o.Kind == "" {
		o.Kind = KindObservation
	}
	if o.Source == "" {
		o.Source = SourceData
	}
}

// PythonCode 是代码生成节点的输出。
type PythonCode struct {
	Code string `json:"code" validate:"required"`
}

// PlanningDecision 是规划节点的输出。
type PlanningDecision struct {
	Signal    string `json:"signal"`
	Rationale string `json:"rationale"`
}

// CodePlanningDecision 是代码规划节点的输出。
type CodePlanningDecision struct {
	Signal          string `json:"signal"`
	StepGoal        string `json:"step_goal"`
	StepDescription string `json:"step_description"`
	Reasoning       string `json:"reasoning"`
}

// ExecutionObserverDecision 是执行观察节点的输出。
type ExecutionObserverDecision struct {
	ExecutionSuccess bool              `json:"execution_success"`
	Observations     []StepObservation `json:"observations" validate:"dive"`
}

// ReflectionDecision 是反思节点合并后的世界观察。
type ReflectionDecision struct {
	Rules            []StepObservation `json:"rules" validate:"dive"`
	DataObservations []StepObservation `json:"data_observations" validate:"dive"`
}

// ArtifactType 区分文件与目录产物。
type ArtifactType string

const (
	ArtifactFile   ArtifactType = "FILE"
	ArtifactFolder ArtifactType = "FOLDER"
)

// ArtifactDecision 是回答节点声明的一个产物。
type ArtifactDecision struct {
	Type        ArtifactType `json:"type" validate:"required,oneof=FILE FOLDER"`
	Description string       `json:"description"`
	FullPath    string       `json:"full_path" validate:"required"`
}

// TaskResponseAnswer 是代码路径下回答节点的输出。
type TaskResponseAnswer struct {
	NotebookDescription string             `json:"notebook_description"`
	Answer              string             `json:"answer" validate:"required"`
	Success             *bool              `json:"success,omitempty"`
	Artifacts           []ArtifactDecision `json:"artifacts" validate:"dive"`
}

// Succeeded 返回 success 字段，缺省为 true。
func (r TaskResponseAnswer) Succeeded() bool {
	return r.Success == nil || *r.Success
}

// ClarificationResponse 是需要澄清时返回给用户的问题。
type ClarificationResponse struct {
	Questions []string `json:"questions" validate:"required,min=1"`
}

// GeneralAnswerResponse 是无需执行代码时的直接回答。
type GeneralAnswerResponse struct {
	Answer string `json:"answer" validate:"required"`
}

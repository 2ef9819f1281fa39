package rules

import (
	"github.com/chatwarden/warden/automod"
)

const (
	StageCaptchaGate     = "captcha-gate"
	StageGtube           = "gtube"
	StageStopWords       = "stop-words"
	StageSuspiciousWords = "suspicious-words"
	StageLinkTrigger     = "link-trigger"
	StageSemantic        = "semantic"
)

// The default funnel, cheapest stage first. The LLM stage only runs when an earlier stage registered a trigger.
func DefaultStages() automod.StageSet {
	stages := automod.StageSet{
		Stages: []automod.Stage{
			{Name: StageCaptchaGate, Func: CaptchaGateStage},
			{Name: StageGtube, Func: GtubeStage},
			{Name: StageStopWords, Func: StopWordStage},
			{Name: StageSuspiciousWords, Func: SuspiciousWordStage},
			{Name: StageLinkTrigger, Func: LinkTriggerStage},
			{Name: StageSemantic, Func: SemanticStage},
		},
	}
	return stages
}

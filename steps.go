package render

// StepName identifies one stage of the fixed pipeline.
type StepName string

const (
	StepTTSGenerate      StepName = "tts_generate"
	StepASRAlign         StepName = "asr_align"
	StepImagesGenerate   StepName = "images_generate"
	StepCaptionsBuild    StepName = "captions_build"
	StepMusicBuild       StepName = "music_build"
	StepFFmpegRender     StepName = "ffmpeg_render"
	StepFinalizeArtifact StepName = "finalize_artifacts"
)

// STEPS is the fixed, ordered pipeline every Run executes.
var STEPS = []StepName{
	StepTTSGenerate,
	StepASRAlign,
	StepImagesGenerate,
	StepCaptionsBuild,
	StepMusicBuild,
	StepFFmpegRender,
	StepFinalizeArtifact,
}

// stepWeights assigns the progress contribution of each step; nonnegative,
// sums to 100. Values match the worked example in the engine design and
// resolve the "exact weights are unspecified" open question.
var stepWeights = map[StepName]int{
	StepTTSGenerate:      15,
	StepASRAlign:         10,
	StepImagesGenerate:   35,
	StepCaptionsBuild:    10,
	StepMusicBuild:       5,
	StepFFmpegRender:     15,
	StepFinalizeArtifact: 10,
}

func stepIndex(step StepName) int {
	for i, s := range STEPS {
		if s == step {
			return i
		}
	}
	return len(STEPS)
}

// progressFor computes the cumulative progress percentage for a set of
// completed steps: sum of their weights over the total weight (100).
func progressFor(completed []StepName) int {
	total := 0
	for _, s := range completed {
		total += stepWeights[s]
	}
	if total > 100 {
		total = 100
	}
	return total
}

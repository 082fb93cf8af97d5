package config

type WorkerKeyStruct struct {
	SubmitAttemptsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	SubmitAttemptsQueue: "submit_attempts_queue",
}

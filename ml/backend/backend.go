package backend

import (
	_ "github.com/t5go/t5go/ml/backend/cpu"
)

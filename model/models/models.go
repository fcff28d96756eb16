package models

import (
	_ "github.com/t5go/t5go/model/models/t5"
)
